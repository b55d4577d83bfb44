package installments

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/redis/go-redis/v9"

	"lmsBack/internal/installments/archive"
	"lmsBack/internal/installments/gateway"
	"lmsBack/internal/installments/notify"
)

// Logger provides minimal logging required by the Installments module.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// InstallmentsDeps groups external dependencies needed by the Installments module.
// Gateway, Notifier and Archive override the clients built from Config.
type InstallmentsDeps struct {
	DB         *sql.DB
	Driver     string
	RDB        redis.UniversalClient
	Logger     Logger
	Config     InstallmentsConfig
	HTTPClient *http.Client

	Gateway  gateway.Gateway
	Notifier notify.Notifier
	Archive  archive.Putter

	module *moduleState
}

// Validate ensures required dependencies are provided.
func (d *InstallmentsDeps) Validate() error {
	if d.DB == nil {
		return errors.New("installments deps: DB is required")
	}
	if d.Logger == nil {
		return errors.New("installments deps: Logger is required")
	}
	if d.Driver == "" {
		d.Driver = "mysql"
	}
	if d.HTTPClient == nil {
		d.HTTPClient = http.DefaultClient
	}
	return nil
}
