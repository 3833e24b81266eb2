package shapefile

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/parcelscore/internal/resilience"
)

// DownloadOptions configures a Downloader.
type DownloadOptions struct {
	UserAgent   string
	Timeout     time.Duration
	MaxRetries  int
	RatePerHost float64 // requests per second per host
}

// Downloader fetches zipped shapefiles over HTTP(S) or anonymous FTP.
type Downloader struct {
	client   *http.Client
	opts     DownloadOptions
	limiters map[string]*rate.Limiter
}

// NewDownloader creates a Downloader with defaults filled in.
func NewDownloader(opts DownloadOptions) *Downloader {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RatePerHost <= 0 {
		opts.RatePerHost = 2
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "parcelscore/1.0"
	}
	return &Downloader{
		client:   &http.Client{Timeout: opts.Timeout},
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (d *Downloader) limiterFor(host string) *rate.Limiter {
	lim, ok := d.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(d.opts.RatePerHost), 1)
		d.limiters[host] = lim
	}
	return lim
}

// Fetch downloads rawURL into destDir, extracts it when it is a ZIP archive
// and returns the path of the .shp file. An archive already present with
// content is not downloaded again.
func (d *Downloader) Fetch(ctx context.Context, rawURL, destDir string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrapf(err, "shapefile: parse url %q", rawURL)
	}

	log := zap.L().With(
		zap.String("component", "shapefile.download"),
		zap.String("url", rawURL),
	)

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", eris.Wrap(err, "shapefile: create dest dir")
	}

	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		return "", eris.Errorf("shapefile: url %q has no file name", rawURL)
	}
	localPath := filepath.Join(destDir, name)

	if info, statErr := os.Stat(localPath); statErr == nil && info.Size() > 0 {
		log.Debug("archive already exists, skipping download", zap.String("path", localPath))
	} else {
		log.Info("downloading reference layer")
		switch u.Scheme {
		case "http", "https":
			err = d.downloadHTTP(ctx, u, localPath)
		case "ftp":
			err = d.downloadFTP(ctx, u, localPath)
		default:
			err = eris.Errorf("unsupported scheme %q", u.Scheme)
		}
		if err != nil {
			_ = os.Remove(localPath)
			return "", eris.Wrapf(err, "shapefile: download %s", rawURL)
		}
	}

	if !strings.EqualFold(filepath.Ext(localPath), ".zip") {
		if strings.EqualFold(filepath.Ext(localPath), ".shp") {
			return localPath, nil
		}
		return "", eris.Errorf("shapefile: %s is neither a .zip nor a .shp", name)
	}

	extractDir := filepath.Join(destDir, strings.TrimSuffix(name, filepath.Ext(name)))
	if _, err := ExtractZIP(localPath, extractDir); err != nil {
		return "", eris.Wrapf(err, "shapefile: extract %s", localPath)
	}

	shpPath, err := FindByExt(extractDir, ".shp")
	if err != nil {
		return "", err
	}
	log.Info("reference layer ready", zap.String("path", shpPath))
	return shpPath, nil
}

// policy returns the retry policy for one host, sharing its rate limiter
// across attempts and files.
func (d *Downloader) policy(host string) resilience.Policy {
	p := resilience.DefaultPolicy()
	p.Attempts = d.opts.MaxRetries
	p.Limiter = d.limiterFor(host)
	return p
}

// downloadHTTP fetches u into dest, retrying network errors and transient
// statuses. Errors are left unwrapped inside the attempt so the retry layer
// can classify them.
func (d *Downloader) downloadHTTP(ctx context.Context, u *url.URL, dest string) error {
	err := resilience.Retry(ctx, d.policy(u.Host), "http download", func(ctx context.Context) error {
		return d.httpAttempt(ctx, u, dest)
	})
	return eris.Wrap(err, "http get")
}

func (d *Downloader) httpAttempt(ctx context.Context, u *url.URL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", d.opts.UserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("download returned status %d", resp.StatusCode)
		if resilience.TransientStatus(resp.StatusCode) {
			return resilience.Transient(err, resp.StatusCode)
		}
		return err
	}

	return writeFile(dest, resp.Body)
}

// parseFTPURL extracts host (with port) and path from an FTP URL.
func parseFTPURL(u *url.URL) (string, string, error) {
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("expected ftp scheme, got %q", u.Scheme)
	}
	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "21")
	}
	if u.Path == "" {
		return "", "", eris.New("empty path in ftp url")
	}
	return host, u.Path, nil
}

func (d *Downloader) downloadFTP(ctx context.Context, u *url.URL, dest string) error {
	host, p, err := parseFTPURL(u)
	if err != nil {
		return err
	}

	user, pass := "anonymous", "anonymous@"
	if u.User != nil {
		user = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			pass = pw
		}
	}

	err = resilience.Retry(ctx, d.policy(u.Host), "ftp download", func(ctx context.Context) error {
		conn, err := ftp.Dial(host, ftp.DialWithTimeout(d.opts.Timeout), ftp.DialWithContext(ctx))
		if err != nil {
			return fmt.Errorf("ftp dial: %w", err)
		}
		defer conn.Quit() //nolint:errcheck

		if err := conn.Login(user, pass); err != nil {
			return fmt.Errorf("ftp login: %w", err)
		}

		resp, err := conn.Retr(p)
		if err != nil {
			return fmt.Errorf("ftp retrieve: %w", err)
		}
		defer resp.Close() //nolint:errcheck

		return writeFile(dest, resp)
	})
	return eris.Wrap(err, "ftp download")
}

func writeFile(dest string, r io.Reader) error {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("write file: %w", err)
	}
	return f.Close()
}
