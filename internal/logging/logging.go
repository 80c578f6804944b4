// Package logging sets up the process-wide zerolog logger, generalized
// from the teacher's root-level logging.go into a reusable package so
// both the daemon and any future command can call it the same way.
package logging

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var logFile *os.File

// Init configures the global zerolog logger to write to both stderr and
// logFilePath, same as the teacher's initLogging.
func Init(version string, logFilePath string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr}

	if logFilePath == "" {
		logFilePath = "gorrentd.log"
	}
	if dir := filepath.Dir(logFilePath); dir != "." {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			println("error creating log directory: " + err.Error())
		}
	}

	var err error
	logFile, err = os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		println("error opening log file: " + err.Error())
	}

	var multi zerolog.LevelWriter
	if logFile != nil {
		multi = zerolog.MultiLevelWriter(consoleWriter, logFile)
	} else {
		multi = zerolog.MultiLevelWriter(consoleWriter)
	}
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	log.Logger = zerolog.New(multi).With().Timestamp().Logger()
	log.Info().Msgf("gorrentd v%s", version)
}

// Shutdown closes the log file, same as the teacher's shutdownLogging.
func Shutdown() {
	if logFile != nil {
		if err := logFile.Close(); err != nil {
			println("error closing log file: " + err.Error())
		}
	}
}
