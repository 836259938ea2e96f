package browser

import (
	"os/exec"
	"runtime"

	"github.com/cockroachdb/errors"
)

// ErrUnsupported is returned on platforms without a known URL opener.
var ErrUnsupported = errors.New("no browser opener for this platform")

func command(goos, url string) (string, []string, error) {
	switch goos {
	case "linux", "freebsd", "openbsd", "netbsd":
		return "xdg-open", []string{url}, nil
	case "darwin":
		return "open", []string{url}, nil
	case "windows":
		return "cmd", []string{"/c", "start", url}, nil
	}
	return "", nil, errors.Wrapf(ErrUnsupported, "%s", goos)
}

// Open asks the desktop to show url in the default browser. It does not wait for
// the browser to exit.
func Open(url string) error {
	name, args, err := command(runtime.GOOS, url)
	if err != nil {
		return err
	}
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "starting %s", name)
	}
	go cmd.Wait() //nolint:errcheck
	return nil
}
