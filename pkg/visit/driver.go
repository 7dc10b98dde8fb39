package visit

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tebeka/selenium"
	"github.com/tebeka/selenium/firefox"
)

// DefaultGeckoDriverPath is where geckodriver is expected to be installed
const DefaultGeckoDriverPath = "/usr/local/bin/geckodriver"

// Driver is the subset of selenium.WebDriver a visit needs
type Driver interface {
	Get(url string) error
	ExecuteScript(script string, args []interface{}) (interface{}, error)
	Screenshot() ([]byte, error)
	SetPageLoadTimeout(timeout time.Duration) error
	Quit() error
}

// Session is one browser instance with its own fresh profile
type Session struct {
	driver Driver
	stop   func() error

	mu     sync.Mutex
	closed bool
}

// NewSession wraps a driver; stop, if non-nil, is called after Quit to shut
// down the driver service.
func NewSession(driver Driver, stop func() error) *Session {
	return &Session{driver: driver, stop: stop}
}

// Close quits the browser and stops its driver service. It is safe to call
// more than once.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.driver != nil {
		if qerr := s.driver.Quit(); qerr != nil {
			err = fmt.Errorf("failed to quit browser: %w", qerr)
		}
	}
	if s.stop != nil {
		if serr := s.stop(); serr != nil && err == nil {
			err = fmt.Errorf("failed to stop driver service: %w", serr)
		}
	}
	return err
}

// Launcher starts browser sessions
type Launcher interface {
	Launch(binaryPath string) (*Session, error)
}

// GeckoLauncher starts Firefox-family browsers through geckodriver. Each
// launch gets a new geckodriver service and therefore a fresh profile.
type GeckoLauncher struct {
	DriverPath string
	Port       int // Zero picks a free local port per launch
	Args       []string

	// StartTimeout bounds the session-creation request, CommandTimeout every
	// request after it. Zero leaves the request unbounded.
	StartTimeout   time.Duration
	CommandTimeout time.Duration
}

// DefaultStartTimeout bounds browser startup
const DefaultStartTimeout = 60 * time.Second

// NewGeckoLauncher creates a launcher for the geckodriver at driverPath
func NewGeckoLauncher(driverPath string) *GeckoLauncher {
	if driverPath == "" {
		driverPath = DefaultGeckoDriverPath
	}
	return &GeckoLauncher{DriverPath: driverPath, StartTimeout: DefaultStartTimeout}
}

// Launch starts geckodriver and a browser at binaryPath
func (g *GeckoLauncher) Launch(binaryPath string) (*Session, error) {
	port := g.Port
	if port == 0 {
		p, err := freePort()
		if err != nil {
			return nil, fmt.Errorf("failed to pick driver port: %w", err)
		}
		port = p
	}

	service, err := selenium.NewGeckoDriverService(g.DriverPath, port)
	if err != nil {
		return nil, fmt.Errorf("failed to start geckodriver: %w", err)
	}

	caps := selenium.Capabilities{"browserName": "firefox"}
	caps.AddFirefox(firefox.Capabilities{
		Binary: binaryPath,
		Args:   g.Args,
	})

	// selenium sends every command through its package-level client
	selenium.HTTPClient = &http.Client{Timeout: g.StartTimeout}
	wd, err := selenium.NewRemote(caps, fmt.Sprintf("http://127.0.0.1:%d", port))
	if err != nil {
		_ = service.Stop()
		return nil, fmt.Errorf("failed to start browser %s: %w", binaryPath, err)
	}
	selenium.HTTPClient = &http.Client{Timeout: g.CommandTimeout}

	return NewSession(wd, service.Stop), nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
