package contracts

// Str returns a pointer to s. Convenience for optional string fields.
func Str(s string) *string { return &s }

// F64 returns a pointer to f. Convenience for optional confidence fields.
func F64(f float64) *float64 { return &f }

// Int returns a pointer to i.
func Int(i int) *int { return &i }

// StrOrNil returns nil for the empty string, otherwise a pointer to s.
func StrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "" when p is nil.
func Deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// DerefF64 returns the pointed-to float64 or 0 when p is nil.
func DerefF64(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// CloneMetadata shallow-copies a metadata bag. A nil input yields a fresh
// empty map so callers can always write to the result.
func CloneMetadata(m Metadata) Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
