package coap

// Logger is an interface which can be satisfied to print debug logging
// when things go wrong. It is entirely optional, in which case errors
// are silent. *logrus.Logger satisfies this interface directly.
type Logger interface {
	Printf(format string, v ...interface{})
}

func logf(l Logger, format string, v ...interface{}) {
	if l == nil {
		return
	}
	l.Printf(format, v...)
}
