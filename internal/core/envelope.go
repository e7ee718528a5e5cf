package core

// Failure converts an error into the uniform failure envelope. Every job
// failure, regardless of its origin, is reported through this shape.
func Failure(err error) map[string]any {
	return map[string]any{
		"success": false,
		"error":   err.Error(),
	}
}
