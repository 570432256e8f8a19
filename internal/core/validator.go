package core

// ValidateExpressions checks every expression in the group against the field
// definitions advertised for the rule's flow and tenant. The first violation
// found in tree order is returned.
func ValidateExpressions(definitions []FieldDefinition, group ExpressionGroup) error {
	if len(definitions) == 0 {
		return Errorf(KindMetadataUnavailable, "expression metadata is null or empty")
	}

	byField := make(map[string]FieldDefinition, len(definitions))
	for _, def := range definitions {
		byField[def.Field.Name] = def
	}

	return validateGroup(byField, group)
}

func validateGroup(byField map[string]FieldDefinition, group ExpressionGroup) error {
	if !group.Connective.Valid() {
		return Errorf(KindMalformedExpression, "unknown connective %q", group.Connective)
	}

	for _, child := range group.Children {
		var err error
		switch c := child.(type) {
		case Expression:
			err = validateExpression(byField, c)
		case ExpressionGroup:
			err = validateGroup(byField, c)
		default:
			err = Errorf(KindMalformedExpression, "unexpected node %T", child)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func validateExpression(byField map[string]FieldDefinition, expr Expression) error {
	def, ok := byField[expr.Field]
	if !ok {
		return Errorf(KindUnknownField, "field %q is not defined for this flow", expr.Field)
	}

	if !def.AllowsOperator(expr.Operator) {
		return Errorf(KindUnsupportedOperator, "operator %q is not allowed for field %q", expr.Operator, expr.Field)
	}

	return validateValue(def.Value, expr)
}

func validateValue(spec ValueSpec, expr Expression) error {
	if expr.Value.Type != spec.Type {
		return Errorf(KindValueTypeMismatch, "field %q expects %s value, got %s", expr.Field, spec.Type, expr.Value.Type)
	}

	switch expr.Value.Type {
	case ValueTypeNumber:
		if _, ok := parseNumber(expr.Value.Raw); !ok {
			return Errorf(KindValueTypeMismatch, "field %q expects a number, got %q", expr.Field, expr.Value.Raw)
		}
	case ValueTypeBoolean:
		if _, ok := parseBoolean(expr.Value.Raw); !ok {
			return Errorf(KindValueTypeMismatch, "field %q expects a boolean, got %q", expr.Field, expr.Value.Raw)
		}
	}

	if len(spec.Options) > 0 && !spec.hasOption(expr.Value.Raw) {
		return Errorf(KindValueTypeMismatch, "value %q is not an option for field %q", expr.Value.Raw, expr.Field)
	}

	return nil
}
