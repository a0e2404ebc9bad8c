package importerrors

// Classify returns the Kind for err: if err already carries a structured
// Kind, that is returned unchanged; otherwise the message is classified via
// ClassifyMessage.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if k := GetKind(err); k != "" {
		return k
	}
	return ClassifyMessage(err.Error())
}
