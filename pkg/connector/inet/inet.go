// Package inet implements the account and vehicle interfaces against a Bluelink-compatible REST
// bridge.
//
// The bridge exposes:
//
//	POST /v1/auth/login
//	GET  /v1/vehicles
//	POST /v1/vehicles/{vin}/{lock,unlock,start,stop}
//	GET  /v1/vehicles/{vin}/status
//
// Access tokens are JWTs. An Account logs in again before a vehicle call when its token is about
// to expire, and once more if the bridge rejects a token it believed was valid.
package inet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/remotecar/bluelink-proxy/internal/log"
	"github.com/remotecar/bluelink-proxy/pkg/account"
	"github.com/remotecar/bluelink-proxy/pkg/protocol"
	"github.com/remotecar/bluelink-proxy/pkg/vehicle"
)

// MaxResponseLength caps the size of response bodies read from the bridge.
const MaxResponseLength = 100000

// RefreshMargin is how long before token expiry an Account logs in again.
var RefreshMargin = time.Minute

var (
	// ErrLoginRejected indicates the bridge refused the account credentials.
	ErrLoginRejected = protocol.NewError(protocol.KindLogin, "login rejected: check username, password, and PIN", false)
	// ErrMissingBaseURL indicates no bridge URL was configured.
	ErrMissingBaseURL = protocol.NewError(protocol.KindConfig, "upstream API URL is not configured", false)
	// ErrVehicleUnavailable indicates the bridge could not reach the vehicle.
	ErrVehicleUnavailable = protocol.NewError(protocol.KindAction, "vehicle unavailable: vehicle is offline or asleep", false)
)

func ReadWithContext(ctx context.Context, r io.Reader, p []byte) ([]byte, error) {
	bytesRead := 0
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		n, err := r.Read(p[bytesRead:])
		bytesRead += n
		if err == io.EOF {
			return p[:bytesRead], nil
		}
		if err != nil {
			return p[:bytesRead], err
		}
		if bytesRead == len(p) {
			return p[:bytesRead], nil
		}
	}
}

type HttpError struct {
	Code    int
	Message string
}

func (e *HttpError) Error() string {
	if e.Message == "" {
		return http.StatusText(e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

// Kind reports gateway and request timeouts as KindTimeout. Other codes are left for the caller
// to classify.
func (e *HttpError) Kind() protocol.Kind {
	if e.Code == http.StatusGatewayTimeout || e.Code == http.StatusRequestTimeout {
		return protocol.KindTimeout
	}
	return protocol.KindUnknown
}

func (e *HttpError) MayHaveSucceeded() bool {
	if e.Code >= 400 && e.Code < 500 {
		return false
	}
	return e.Code != http.StatusServiceUnavailable
}

func (e *HttpError) Temporary() bool {
	return e.Code == http.StatusServiceUnavailable ||
		e.Code == http.StatusGatewayTimeout ||
		e.Code == http.StatusRequestTimeout
}

// errorMessage extracts a human-readable message from an error response body.
func errorMessage(body []byte) string {
	var rsp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &rsp); err == nil {
		if rsp.Message != "" {
			return rsp.Message
		}
		if rsp.Error != "" {
			return rsp.Error
		}
	}
	return strings.TrimSpace(string(body))
}

// Account implements account.Account by calling a REST bridge.
type Account struct {
	UserAgent string

	creds   account.Credentials
	baseURL string
	client  http.Client

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewAccount creates an Account. It does not contact the bridge.
func NewAccount(baseURL, userAgent string, creds account.Credentials) (*Account, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, protocol.NewError(protocol.KindConfig, fmt.Sprintf("invalid upstream API URL '%s'", baseURL), false)
	}
	return &Account{
		UserAgent: userAgent,
		creds:     creds,
		baseURL:   baseURL,
	}, nil
}

// NewFactory returns an account.Factory that builds a new Account for every session attempt.
func NewFactory(baseURL, userAgent string) account.Factory {
	return func(creds account.Credentials) (account.Account, error) {
		return NewAccount(baseURL, userAgent, creds)
	}
}

// send performs a request and returns the response body. Non-2xx responses are returned as
// *HttpError.
func (a *Account) send(ctx context.Context, method, endpoint, authHeader string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(encoded)
	}

	target := a.baseURL + endpoint
	log.Debug("Sending %s request to %s", method, target)
	request, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	request.Header.Set("User-Agent", a.UserAgent)
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if authHeader != "" {
		request.Header.Set("Authorization", authHeader)
	}

	result, err := a.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer result.Body.Close()

	buffer := make([]byte, MaxResponseLength+1)
	buffer, err = ReadWithContext(ctx, result.Body, buffer)
	if err != nil {
		return nil, err
	}
	if len(buffer) == MaxResponseLength+1 {
		return nil, errors.New("response exceeds maximum length")
	}

	log.Debug("Server returned %d: %s", result.StatusCode, http.StatusText(result.StatusCode))
	if result.StatusCode < 200 || result.StatusCode >= 300 {
		return nil, &HttpError{Code: result.StatusCode, Message: errorMessage(buffer)}
	}
	return buffer, nil
}

// Login exchanges the account credentials for an access token.
func (a *Account) Login(ctx context.Context) error {
	request := struct {
		Username string `json:"username"`
		Password string `json:"password"`
		PIN      string `json:"pin"`
		Region   string `json:"region"`
		Brand    string `json:"brand"`
	}{
		Username: a.creds.Username,
		Password: a.creds.Password,
		PIN:      a.creds.PIN,
		Region:   string(a.creds.Region),
		Brand:    string(a.creds.Brand),
	}

	body, err := a.send(ctx, http.MethodPost, "/v1/auth/login", "", request)
	if err != nil {
		var httpErr *HttpError
		if errors.As(err, &httpErr) && (httpErr.Code == http.StatusUnauthorized || httpErr.Code == http.StatusForbidden) {
			return ErrLoginRejected
		}
		return err
	}

	var rsp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &rsp); err != nil {
		return fmt.Errorf("unable to parse login response: %w", err)
	}
	if rsp.AccessToken == "" {
		return errors.New("login response did not include an access token")
	}

	expiry := tokenExpiry(rsp.AccessToken)
	if expiry.IsZero() && rsp.ExpiresIn > 0 {
		expiry = time.Now().Add(time.Duration(rsp.ExpiresIn) * time.Second)
	}

	a.mu.Lock()
	a.token = rsp.AccessToken
	a.expiry = expiry
	a.mu.Unlock()
	log.Debug("Logged in as %s (token expires %v)", a.creds.Username, expiry)
	return nil
}

// tokenExpiry returns the exp claim of token, or the zero time if token is not a JWT or carries no
// expiry. The signature is not verified; the bridge does that.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// Expiry returns the expiry of the current access token, if known.
func (a *Account) Expiry() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expiry
}

func (a *Account) authHeader(ctx context.Context) (string, error) {
	a.mu.Lock()
	token, expiry := a.token, a.expiry
	a.mu.Unlock()

	if token == "" || (!expiry.IsZero() && time.Until(expiry) < RefreshMargin) {
		log.Info("Access token missing or about to expire; logging in again")
		if err := a.Login(ctx); err != nil {
			return "", err
		}
		a.mu.Lock()
		token = a.token
		a.mu.Unlock()
	}
	return "Bearer " + token, nil
}

func (a *Account) invalidate() {
	a.mu.Lock()
	a.token = ""
	a.expiry = time.Time{}
	a.mu.Unlock()
}

// call sends an authenticated request. If the bridge rejects the token, call logs in again and
// retries once; a rejected request was never executed.
func (a *Account) call(ctx context.Context, method, endpoint string, payload interface{}) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		authHeader, err := a.authHeader(ctx)
		if err != nil {
			return nil, err
		}
		body, err := a.send(ctx, method, endpoint, authHeader, payload)
		var httpErr *HttpError
		if attempt == 0 && errors.As(err, &httpErr) && httpErr.Code == http.StatusUnauthorized {
			log.Info("Access token rejected; logging in again")
			a.invalidate()
			continue
		}
		if errors.As(err, &httpErr) && httpErr.Code == http.StatusServiceUnavailable {
			return nil, ErrVehicleUnavailable
		}
		return body, err
	}
}

// Vehicles lists the vehicles registered to the account, in the order the bridge returns them.
func (a *Account) Vehicles(ctx context.Context) ([]vehicle.Vehicle, error) {
	body, err := a.call(ctx, http.MethodGet, "/v1/vehicles", nil)
	if err != nil {
		return nil, err
	}

	var rsp struct {
		Vehicles []struct {
			VIN      string `json:"vin"`
			Nickname string `json:"nickname"`
			Model    string `json:"model"`
		} `json:"vehicles"`
	}
	if err := json.Unmarshal(body, &rsp); err != nil {
		return nil, fmt.Errorf("unable to parse vehicle list: %w", err)
	}

	vehicles := make([]vehicle.Vehicle, 0, len(rsp.Vehicles))
	for _, v := range rsp.Vehicles {
		if v.VIN == "" {
			log.Warning("Skipping vehicle without a VIN")
			continue
		}
		name := v.Nickname
		if name == "" {
			name = v.Model
		}
		vehicles = append(vehicles, &Vehicle{account: a, vin: v.VIN, name: name})
	}
	return vehicles, nil
}

// Vehicle implements vehicle.Vehicle through an Account.
type Vehicle struct {
	account *Account
	vin     string
	name    string
}

func (v *Vehicle) VIN() string {
	return v.vin
}

func (v *Vehicle) Name() string {
	return v.name
}

func (v *Vehicle) command(ctx context.Context, method string, action vehicle.Action, payload interface{}) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("/v1/vehicles/%s/%s", url.PathEscape(v.vin), action)
	body, err := v.account.call(ctx, method, endpoint, payload)
	if err != nil {
		return nil, err
	}
	return asJSON(body), nil
}

// asJSON returns body unchanged if it is valid JSON, and as a JSON string otherwise.
func asJSON(body []byte) json.RawMessage {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return json.RawMessage(`{"success":true}`)
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	encoded, _ := json.Marshal(string(body))
	return json.RawMessage(encoded)
}

func (v *Vehicle) Lock(ctx context.Context) (json.RawMessage, error) {
	return v.command(ctx, http.MethodPost, vehicle.ActionLock, nil)
}

func (v *Vehicle) Unlock(ctx context.Context) (json.RawMessage, error) {
	return v.command(ctx, http.MethodPost, vehicle.ActionUnlock, nil)
}

// Start starts the engine with climate control. Zero-valued options are omitted so the bridge
// applies its own defaults.
func (v *Vehicle) Start(ctx context.Context, options vehicle.StartOptions) (json.RawMessage, error) {
	return v.command(ctx, http.MethodPost, vehicle.ActionStart, options)
}

func (v *Vehicle) Stop(ctx context.Context) (json.RawMessage, error) {
	return v.command(ctx, http.MethodPost, vehicle.ActionStop, nil)
}

func (v *Vehicle) Status(ctx context.Context) (json.RawMessage, error) {
	return v.command(ctx, http.MethodGet, vehicle.ActionStatus, nil)
}
