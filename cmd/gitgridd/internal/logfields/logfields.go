package logfields

import (
	"log/slog"
	"time"
)

// Canonical log field names shared across packages.
const (
	KeyRepository = "repository"
	KeyPrincipal  = "principal"
	KeyTeam       = "team"
	KeyAuthMethod = "auth_method"
	KeyRemoteAddr = "remote_addr"
	KeyJob        = "job"
	KeyDuration   = "duration_ms"
	KeyPath       = "path"
	KeyChecksum   = "checksum"
	KeyError      = "error"
)

func Repository(name string) slog.Attr  { return slog.String(KeyRepository, name) }
func Principal(name string) slog.Attr   { return slog.String(KeyPrincipal, name) }
func Team(name string) slog.Attr        { return slog.String(KeyTeam, name) }
func AuthMethod(m string) slog.Attr     { return slog.String(KeyAuthMethod, m) }
func RemoteAddr(addr string) slog.Attr  { return slog.String(KeyRemoteAddr, addr) }
func Job(name string) slog.Attr         { return slog.String(KeyJob, name) }
func Path(p string) slog.Attr           { return slog.String(KeyPath, p) }
func Checksum(sum string) slog.Attr     { return slog.String(KeyChecksum, sum) }
func Duration(d time.Duration) slog.Attr {
	return slog.Float64(KeyDuration, float64(d.Microseconds())/1000)
}

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
