//go:build !sqlite
// +build !sqlite

package store

import (
	"errors"

	"notifyd/pkg/logx"
)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	_ = cfg
	_ = log
	return nil, errors.New("sqlite storage driver not built in (rebuild with -tags sqlite)")
}
