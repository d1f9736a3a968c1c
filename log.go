package main

import (
	"os"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/shiena/ansicolor"
	"github.com/sirupsen/logrus"
)

var log = logrus.StandardLogger()

func initLog(level string) error {
	log.SetFormatter(&nested.Formatter{
		ShowFullLevel:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		FieldsOrder:     []string{"table", "source", "target", "zoom", "sourceZoom"},
	})
	log.SetOutput(ansicolor.NewAnsiColorWriter(os.Stderr))

	l, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(l)
	return nil
}
