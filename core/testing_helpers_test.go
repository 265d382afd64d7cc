package core

import "github.com/sirupsen/logrus"

func testLogger() Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return &LogrusAdapter{Logger: logger}
}
