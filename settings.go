package pgdispatch

import (
	"crypto/tls"
	"log/slog"
	"strconv"
	"strings"
)

// Settings resolves the connection's endpoint and startup parameters. Per
// spec section 3, it is either a (host, port, user, password, database)
// tuple or an opaque pre-formatted connection string passed through
// unchanged. Parsing a full libpq URI grammar is explicitly out of scope
// (spec section 1) -- this is the minimal key=value seam the external
// collaborator plugs into.
type Settings struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string

	// Raw, when non-empty, is used verbatim instead of composing a
	// key=value string from the fields above.
	Raw string

	TLSConfig *tls.Config

	startupParameters map[string]string
	bufferSz          int
	log               *slog.Logger

	onNotification      func(Notification)
	onUnaffiliatedError func(error)
	onParameterChange   func(name, value string)
}

// OptionFn configures a Settings value, mirroring the teacher's
// functional-options pattern (options.go's OptionFn for *Server).
type OptionFn func(*Settings)

// WithPassword sets the password used during the cleartext/MD5
// authentication exchange.
func WithPassword(password string) OptionFn {
	return func(s *Settings) { s.Password = password }
}

// WithTLS enables a TLS upgrade of the connection immediately after
// dialing, negotiated with an SSLRequest as described in ssl.go.
func WithTLS(config *tls.Config) OptionFn {
	return func(s *Settings) { s.TLSConfig = config }
}

// WithLogger threads a *slog.Logger through every loop, exactly as
// NewServer threads srv.logger through the teacher's request handling.
func WithLogger(logger *slog.Logger) OptionFn {
	return func(s *Settings) { s.log = logger }
}

// WithBufferSize overrides the receiver's read buffer size (spec section
// 4.3 recommends at least 8 KiB).
func WithBufferSize(n int) OptionFn {
	return func(s *Settings) { s.bufferSz = n }
}

// WithStartupParameter adds an additional key=value pair to the
// StartupMessage sent during the handshake (e.g. "application_name",
// "search_path").
func WithStartupParameter(name, value string) OptionFn {
	return func(s *Settings) {
		if s.startupParameters == nil {
			s.startupParameters = map[string]string{}
		}
		s.startupParameters[name] = value
	}
}

// WithOnNotification registers the sink for unaffiliated NotificationResponse
// messages (spec section 3 invariant 4).
func WithOnNotification(fn func(Notification)) OptionFn {
	return func(s *Settings) { s.onNotification = fn }
}

// WithOnUnaffiliatedError registers the sink for BackendError and
// ProtocolError values observed while the interpreter is idle.
func WithOnUnaffiliatedError(fn func(error)) OptionFn {
	return func(s *Settings) { s.onUnaffiliatedError = fn }
}

// WithOnParameterChange registers a callback invoked whenever the server
// reports a ParameterStatus change, including "integer_datetimes" (see
// SUPPLEMENTED FEATURES item 3).
func WithOnParameterChange(fn func(name, value string)) OptionFn {
	return func(s *Settings) { s.onParameterChange = fn }
}

// NewSettings builds Settings from the (host, port, user, password,
// database) tuple plus options.
func NewSettings(host string, port int, user, password, database string, opts ...OptionFn) Settings {
	s := Settings{
		Host:     host,
		Port:     port,
		User:     user,
		Password: password,
		Database: database,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// NewRawSettings wraps an opaque, already-formatted connection string,
// passed through to the transport dialer unchanged.
func NewRawSettings(raw string, opts ...OptionFn) Settings {
	s := Settings{Raw: raw}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func (s Settings) logger() *slog.Logger {
	if s.log != nil {
		return s.log
	}
	return slog.Default()
}

func (s Settings) bufferSize() int {
	if s.bufferSz > 0 {
		return s.bufferSz
	}
	return 8192
}

// String renders the connection settings as a space-separated key=value
// string per spec section 3/6: empty strings and a zero port are omitted;
// remaining fields are joined by single spaces in host, port, user,
// password, dbname order. Raw passes a pre-formatted string through
// unchanged.
func (s Settings) String() string {
	if s.Raw != "" {
		return s.Raw
	}

	var parts []string
	if s.Host != "" {
		parts = append(parts, "host="+s.Host)
	}
	if s.Port != 0 {
		parts = append(parts, "port="+strconv.Itoa(s.Port))
	}
	if s.User != "" {
		parts = append(parts, "user="+s.User)
	}
	if s.Password != "" {
		parts = append(parts, "password="+s.Password)
	}
	if s.Database != "" {
		parts = append(parts, "dbname="+s.Database)
	}

	return strings.Join(parts, " ")
}

// address returns the host:port dial target, defaulting the port to 5432
// (Postgres' conventional port) when unset and not using a raw string.
func (s Settings) address() string {
	host := s.Host
	if host == "" {
		host = "localhost"
	}
	port := s.Port
	if port == 0 {
		port = 5432
	}
	return host + ":" + strconv.Itoa(port)
}

// startupMessageParams builds the StartupMessage parameter set: user is
// always sent; database is sent only when set explicitly, since the
// server defaults an absent database to the user name itself (matching
// libpq); plus any parameters registered via WithStartupParameter.
func (s Settings) startupMessageParams() map[string]string {
	params := map[string]string{
		"user": s.User,
	}
	if s.Database != "" {
		params["database"] = s.Database
	}
	for k, v := range s.startupParameters {
		params[k] = v
	}
	return params
}
