package usbtiny

type logger interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Errorf(string, ...interface{})
}

type nullLogger struct{}

func (l *nullLogger) Debugf(format string, args ...interface{}) {}
func (l *nullLogger) Infof(format string, args ...interface{})  {}
func (l *nullLogger) Errorf(format string, args ...interface{}) {}

// The package logger
var pkgLog logger = &nullLogger{}

// SetLogger sets the logger used internally by the package. SPI frame
// traces go to the debug level; transport failures go to the error level.
func SetLogger(l logger) {
	pkgLog = l
}
