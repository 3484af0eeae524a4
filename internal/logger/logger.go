package logger

import (
	"os"
	"time"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
)

var (
	log      *logrus.Logger
	MainLog  *logrus.Entry
	InitLog  *logrus.Entry
	CfgLog   *logrus.Entry
	FwderLog *logrus.Entry
	CodecLog *logrus.Entry
	WatchLog *logrus.Entry
)

const (
	FieldCategory = "category"
	FieldRule     = "rule"
)

func init() {
	log = logrus.New()
	log.SetReportCaller(false)
	log.SetOutput(os.Stderr)

	log.Formatter = &formatter.Formatter{
		TimestampFormat: time.RFC3339,
		TrimMessages:    true,
		NoFieldsSpace:   true,
		HideKeys:        true,
		FieldsOrder:     []string{"component", FieldCategory, FieldRule},
	}

	MainLog = log.WithFields(logrus.Fields{"component": "TCF", FieldCategory: "Main"})
	InitLog = log.WithFields(logrus.Fields{"component": "TCF", FieldCategory: "Init"})
	CfgLog = log.WithFields(logrus.Fields{"component": "TCF", FieldCategory: "CFG"})
	FwderLog = log.WithFields(logrus.Fields{"component": "TCF", FieldCategory: "FWD"})
	CodecLog = log.WithFields(logrus.Fields{"component": "TCF", FieldCategory: "Codec"})
	WatchLog = log.WithFields(logrus.Fields{"component": "TCF", FieldCategory: "Watch"})
}

func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}

func SetReportCaller(enable bool) {
	log.SetReportCaller(enable)
}

// Disable silences every entry, used when the config turns logging off.
func Disable() {
	log.SetLevel(logrus.PanicLevel)
}
