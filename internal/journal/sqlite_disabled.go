//go:build !sqlite
// +build !sqlite

package journal

import (
	"errors"

	logx "chrono/pkg/logx"
)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	_ = cfg
	_ = log
	return nil, errors.New("sqlite journal not built: build with -tags sqlite to enable the sqlite driver")
}
