package delivery

import (
	"io"
	"net/http"
	"strings"

	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/internal/httpclient"
	"github.com/teranos/reportd/pulse/retry"
)

const responseSnippetBytes = 512

// checkResponse turns a non-2xx response into an error. 408, 429 and 5xx
// are transient; every other 4xx is permanent.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, responseSnippetBytes))
	err := errors.Newf("receiver returned %s", resp.Status)
	if s := strings.TrimSpace(string(snippet)); s != "" {
		err = errors.WithDetail(err, s)
	}
	if permanentStatus(resp.StatusCode) {
		return retry.Permanent(err)
	}
	return err
}

func permanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

// requestError marks blocked destinations permanent
func requestError(err error, what string) error {
	wrapped := errors.Wrap(err, what)
	if errors.Is(err, httpclient.ErrBlocked) {
		return retry.Permanent(wrapped)
	}
	return wrapped
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
