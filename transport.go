package urna

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-errors/errors"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

const responseDeadline = 30 * time.Second

// Logger is used for logging. If not set, init() will initialize it to
// logrus.StandardLogger().
var Logger *logrus.Logger

var transportlogger *log.Logger

func init() {
	logger := logrus.New()
	logger.SetFormatter(&prefixed.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
	})
	SetLogger(logger)
}

func SetLogger(logger *logrus.Logger) {
	Logger = logger
}

// HTTPTransport sends and receives JSON messages to a voting authority.
// Idempotent calls are retried a few times on transport-level failure;
// non-idempotent calls (code issuance, vote cast) are sent exactly once,
// since an automatic re-send could double-submit a vote.
type HTTPTransport struct {
	Server     string
	client     *retryablehttp.Client
	onceClient *retryablehttp.Client
	headers    http.Header
}

// NewHTTPTransport returns a new HTTPTransport for the authority at
// serverURL.
func NewHTTPTransport(serverURL string) *HTTPTransport {
	if Logger.IsLevelEnabled(logrus.TraceLevel) {
		transportlogger = log.New(Logger.WriterLevel(logrus.TraceLevel), "transport: ", 0)
	} else {
		transportlogger = log.New(io.Discard, "", 0)
	}

	if serverURL != "" && !strings.HasSuffix(serverURL, "/") {
		serverURL += "/"
	}

	inner := &http.Client{
		Timeout: responseDeadline,
		Transport: &http.Transport{
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
	newClient := func(retries int) *retryablehttp.Client {
		return &retryablehttp.Client{
			Logger:       transportlogger,
			RetryWaitMin: 100 * time.Millisecond,
			RetryWaitMax: 200 * time.Millisecond,
			RetryMax:     retries,
			Backoff:      retryablehttp.DefaultBackoff,
			CheckRetry: func(ctx context.Context, resp *http.Response, err error) (bool, error) {
				if cerr := ctx.Err(); cerr != nil {
					return false, cerr
				}
				// Don't retry on 5xx (which retryablehttp does by default)
				return err != nil || resp.StatusCode == 0, err
			},
			HTTPClient: inner,
		}
	}

	return &HTTPTransport{
		Server:     serverURL,
		headers:    http.Header{},
		client:     newClient(2),
		onceClient: newClient(0),
	}
}

// SetHeader sets a header to be sent in all requests.
func (transport *HTTPTransport) SetHeader(name, val string) {
	transport.headers.Set(name, val)
}

// SetBearerToken sets the Authorization header for all requests.
func (transport *HTTPTransport) SetBearerToken(token string) {
	transport.SetHeader("Authorization", "Bearer "+token)
}

func (transport *HTTPTransport) log(prefix string, message interface{}) {
	if !Logger.IsLevelEnabled(logrus.TraceLevel) {
		return // do nothing if nothing would be printed anyway
	}
	var str string
	switch s := message.(type) {
	case []byte:
		str = string(s)
	case string:
		str = s
	default:
		tmp, _ := json.Marshal(message)
		str = string(tmp)
	}
	Logger.Tracef("transport: %s: %s", prefix, str)
}

func (transport *HTTPTransport) request(
	client *retryablehttp.Client, url string, method string, object interface{},
) (*http.Response, error) {
	var reader io.Reader
	if object != nil {
		marshaled, err := json.Marshal(object)
		if err != nil {
			return nil, &SessionError{ErrorType: ErrorSerialization, Err: errors.Wrap(err, 0)}
		}
		transport.log("body", string(marshaled))
		reader = bytes.NewBuffer(marshaled)
	}

	ctx, cancel := context.WithTimeout(context.Background(), responseDeadline)
	defer cancel()

	var req retryablehttp.Request
	var err error
	req.Request, err = http.NewRequestWithContext(ctx, method, transport.Server+url, reader)
	if err != nil {
		return nil, &SessionError{ErrorType: ErrorTransport, Err: errors.Wrap(err, 0)}
	}
	req.Header = transport.headers.Clone()
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "urnago")
	}
	if object != nil {
		req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	}

	res, err := client.Do(&req)
	if err != nil {
		return nil, &SessionError{ErrorType: ErrorTransport, Err: errors.Wrap(err, 0)}
	}
	return res, nil
}

func (transport *HTTPTransport) jsonRequest(
	client *retryablehttp.Client, url string, method string, result interface{}, object interface{},
) error {
	res, err := transport.request(client, url, method, object)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return &SessionError{ErrorType: ErrorServerResponse, Err: errors.Wrap(err, 0), RemoteStatus: res.StatusCode}
	}

	if res.StatusCode != http.StatusOK {
		apierr := &RemoteError{}
		err = json.Unmarshal(body, apierr)
		if err != nil || apierr.ErrorName == "" { // Not a RemoteError body
			return &SessionError{ErrorType: ErrorServerResponse, Err: err, RemoteStatus: res.StatusCode}
		}
		transport.log("error", apierr)
		return &SessionError{ErrorType: ErrorApi, RemoteStatus: res.StatusCode, RemoteError: apierr}
	}

	transport.log("response", body)
	if result == nil { // caller doesn't care about the response body
		return nil
	}
	if err = json.Unmarshal(body, result); err != nil {
		return &SessionError{ErrorType: ErrorServerResponse, Err: errors.Wrap(err, 0), RemoteStatus: res.StatusCode}
	}
	return nil
}

// Get performs a GET request and parses the authority's response into
// result. Safe to retry, and retried on transport failure.
func (transport *HTTPTransport) Get(url string, result interface{}) error {
	return transport.jsonRequest(transport.client, url, http.MethodGet, result, nil)
}

// Post sends object to the authority and parses its response into result.
// Retried on transport failure; use PostOnce for non-idempotent calls.
func (transport *HTTPTransport) Post(url string, result interface{}, object interface{}) error {
	return transport.jsonRequest(transport.client, url, http.MethodPost, result, object)
}

// PostOnce is Post without any automatic retrying, for calls that must not
// be re-issued without an explicit voter action.
func (transport *HTTPTransport) PostOnce(url string, result interface{}, object interface{}) error {
	return transport.jsonRequest(transport.onceClient, url, http.MethodPost, result, object)
}
