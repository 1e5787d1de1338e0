package fetcher

import (
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/resilience"
)

// FTPOptions configures the FTP fetcher.
type FTPOptions struct {
	Timeout time.Duration
}

// FTPFetcher downloads documents over FTP, one control connection per
// document. Credentials come from the URI's userinfo; without them it logs
// in anonymously.
type FTPFetcher struct {
	opts FTPOptions
}

// NewFTPFetcher creates an FTPFetcher. Timeout defaults to 30s.
func NewFTPFetcher(opts FTPOptions) *FTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &FTPFetcher{opts: opts}
}

type ftpTarget struct {
	host     string
	path     string
	user     string
	password string
}

func parseFTPURL(raw string) (ftpTarget, error) {
	u, err := url.Parse(raw)
	switch {
	case err != nil:
		return ftpTarget{}, eris.Wrap(err, "fetcher: parse ftp uri")
	case u.Scheme != "ftp":
		return ftpTarget{}, eris.Errorf("fetcher: %q is not an ftp uri", raw)
	case u.Path == "":
		return ftpTarget{}, eris.Errorf("fetcher: %q names no file", raw)
	}

	t := ftpTarget{host: u.Host, path: u.Path, user: "anonymous", password: "anonymous@"}
	if u.Port() == "" {
		t.host = net.JoinHostPort(u.Hostname(), "21")
	}
	if u.User != nil {
		t.user = u.User.Username()
		t.password, _ = u.User.Password()
	}
	return t, nil
}

// retrieval is the open data connection. Closing it ends the session.
type retrieval struct {
	*ftp.Response
	conn *ftp.ServerConn
}

func (r *retrieval) Close() error {
	return errors.Join(r.Response.Close(), r.conn.Quit())
}

// Fetch implements Fetcher. The caller must close the returned reader to
// release the connection.
func (f *FTPFetcher) Fetch(ctx context.Context, uri string) (io.ReadCloser, error) {
	t, err := parseFTPURL(uri)
	if err != nil {
		return nil, resilience.NewPermanentError(err, "invalid uri")
	}
	log := zap.L().With(zap.String("host", t.host), zap.String("path", t.path))

	conn, err := ftp.Dial(t.host, ftp.DialWithTimeout(f.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "fetcher: dial %s", t.host), 0)
	}

	resp, err := retrieve(conn, t)
	if err != nil {
		_ = conn.Quit()
		log.Debug("fetcher: ftp retrieve failed", zap.Error(err))
		return nil, classifyFTP(err)
	}
	log.Debug("fetcher: ftp retrieving")
	return &retrieval{Response: resp, conn: conn}, nil
}

func retrieve(conn *ftp.ServerConn, t ftpTarget) (*ftp.Response, error) {
	if err := conn.Login(t.user, t.password); err != nil {
		return nil, eris.Wrapf(err, "fetcher: login as %s", t.user)
	}
	resp, err := conn.Retr(t.path)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: retrieve %s", t.path)
	}
	return resp, nil
}

// classifyFTP maps reply codes onto the retry taxonomy: 4xx replies are
// transient, 5xx permanent. Other errors pass through for IsTransient's
// network checks.
func classifyFTP(err error) error {
	var te *textproto.Error
	if !errors.As(err, &te) {
		return err
	}
	if te.Code >= 400 && te.Code < 500 {
		return resilience.NewTransientError(err, 0)
	}
	return resilience.NewPermanentError(err, "document unavailable")
}
