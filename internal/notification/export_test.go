package notification

// ExportedClassifySMTPError exposes the private classifySMTPError for external tests.
func ExportedClassifySMTPError(err error) Outcome { return classifySMTPError(err) }

// ExportedBuildEmailHTML exposes the private buildEmailHTML for external tests.
func ExportedBuildEmailHTML(env *Envelope) (string, error) {
	return buildEmailHTML(env)
}
