package fancy

// ServiceText styles a service name
func ServiceText(text string) string {
	return ServiceStyle.Render(text)
}

// SubjectText styles a broker subject
func SubjectText(text string) string {
	return SubjectStyle.Render(text)
}

// SagaText styles a saga type or state
func SagaText(text string) string {
	return SagaStyle.Render(text)
}

// ValidText styles passing status text
func ValidText(text string) string {
	return ServiceStyle.Render(text)
}

// ErrorText styles error text
func ErrorText(text string) string {
	return ErrorStyle.Render(text)
}

// PathText styles file paths and listen addresses
func PathText(text string) string {
	return InfoStyle.Render(text)
}

// SummaryText styles closing summary lines
func SummaryText(text string) string {
	return BranchStyle.Render(text)
}

// CountText styles count numbers
func CountText(text string) string {
	return ComponentStyle.Render(text)
}

// TruncateString caps s at maxLength bytes, ending with an ellipsis when
// anything was cut.
func TruncateString(s string, maxLength int) string {
	if len(s) <= maxLength {
		return s
	}
	return s[:maxLength-3] + "..."
}
