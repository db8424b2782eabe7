// Package version хранит сведения о сборке, выставляемые через -ldflags:
//
//	-X github.com/vladislavdragonenkov/shopcore/internal/version.version=v1.2.0
package version

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info returns version information populated via -ldflags.
func Info() (v, c, d string) { return version, commit, date }

func GetVersion() string { return version }

func String() string {
	return fmt.Sprintf("shopcore version=%s commit=%s date=%s", version, commit, date)
}

// Fields: поля сборки для стартовой записи в лог.
func Fields() log.Fields {
	return log.Fields{"version": version, "commit": commit, "build_date": date}
}
