package proxy_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/remotecar/bluelink-proxy/internal/dispatcher"
	"github.com/remotecar/bluelink-proxy/mocks"
	"github.com/remotecar/bluelink-proxy/pkg/account"
	"github.com/remotecar/bluelink-proxy/pkg/protocol"
	"github.com/remotecar/bluelink-proxy/pkg/proxy"
	"github.com/remotecar/bluelink-proxy/pkg/session"
	"github.com/remotecar/bluelink-proxy/pkg/vehicle"
)

const (
	vin    = "KMHXX12345ABCDE01"
	apiKey = "correct-horse-battery-staple"
)

var _ = Describe("Proxy", func() {
	var (
		ctrl        *gomock.Controller
		mockAccount *mocks.MockAccount
		car         *mocks.MockVehicle
		creds       account.Credentials
		manager     *session.Manager
		d           *dispatcher.Dispatcher
		p           *proxy.Proxy
	)

	build := func() {
		var err error
		factory := func(account.Credentials) (account.Account, error) { return mockAccount, nil }
		manager = session.New(factory, creds, session.Config{RetryInterval: time.Hour, Timeout: time.Second})
		d = dispatcher.New(manager, time.Second, true)
		p, err = proxy.New(manager, d, apiKey)
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(func() {
			d.Close()
			manager.Close()
		})
	}

	sendRequest := func(method, path, key string, body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewReader(body))
		if key != "" {
			req.Header.Set(proxy.APIKeyHeader, key)
		}
		rr := httptest.NewRecorder()
		p.ServeHTTP(rr, req)
		return rr
	}

	makeReady := func() {
		mockAccount.EXPECT().Login(gomock.Any()).Return(nil)
		mockAccount.EXPECT().Vehicles(gomock.Any()).Return([]vehicle.Vehicle{car}, nil)
		Expect(manager.Initialize(context.Background())).To(Succeed())
	}

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		mockAccount = mocks.NewMockAccount(ctrl)
		car = mocks.NewMockVehicle(ctrl)
		car.EXPECT().VIN().Return(vin).AnyTimes()
		car.EXPECT().Name().Return("Ioniq 5").AnyTimes()
		creds = account.Credentials{
			Username: "driver@example.com",
			Password: "hunter2",
			PIN:      "1234",
			Region:   account.RegionUS,
			Brand:    account.BrandHyundai,
		}
	})

	It("refuses to start without an API key", func() {
		build()
		_, err := proxy.New(manager, d, "")
		Expect(err).To(MatchError(protocol.ErrMissingAPIKey))
	})

	Describe("liveness and diagnostics", func() {
		It("answers the root path with plain text", func() {
			build()
			rr := sendRequest(http.MethodGet, "/", "", nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Body.String()).To(Equal("OK"))
		})

		It("reports health regardless of state or API key", func() {
			build()
			for _, path := range []string{"/health", "/check"} {
				for _, key := range []string{"", "wrong", apiKey} {
					rr := sendRequest(http.MethodGet, path, key, nil)
					Expect(rr.Code).To(Equal(http.StatusOK))
					Expect(rr.Body.String()).To(MatchJSON(`{
						"ok": true,
						"region": "US",
						"brand": "Hyundai",
						"ready": false,
						"hasCredentials": true,
						"hasApiKey": true,
						"state": "uninitialized"
					}`))
				}
			}
		})

		It("surfaces missing credentials", func() {
			creds.Password = ""
			build()
			Expect(manager.Initialize(context.Background())).ToNot(Succeed())

			rr := sendRequest(http.MethodGet, "/check", "", nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
			var reply proxy.HealthResponse
			Expect(json.Unmarshal(rr.Body.Bytes(), &reply)).To(Succeed())
			Expect(reply.Ready).To(BeFalse())
			Expect(reply.HasCredentials).To(BeFalse())
			Expect(reply.State).To(Equal("failed"))
			Expect(reply.LastError).To(Equal("missing credentials"))
			Expect(reply.LastAttempt).ToNot(BeNil())
		})

		It("includes the selected VIN once ready", func() {
			build()
			makeReady()
			rr := sendRequest(http.MethodGet, "/health", "", nil)
			var reply proxy.HealthResponse
			Expect(json.Unmarshal(rr.Body.Bytes(), &reply)).To(Succeed())
			Expect(reply.Ready).To(BeTrue())
			Expect(reply.VIN).To(Equal(vin))
		})

		It("serves metrics", func() {
			build()
			rr := sendRequest(http.MethodGet, "/metrics", "", nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Body.String()).To(ContainSubstring("bluelink_session_state"))
		})

		It("echoes or assigns a request ID", func() {
			build()
			rr := sendRequest(http.MethodGet, "/health", "", nil)
			_, err := uuid.Parse(rr.Header().Get(proxy.RequestIDHeader))
			Expect(err).ToNot(HaveOccurred())

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			req.Header.Set(proxy.RequestIDHeader, "trace-42")
			rr = httptest.NewRecorder()
			p.ServeHTTP(rr, req)
			Expect(rr.Header().Get(proxy.RequestIDHeader)).To(Equal("trace-42"))
		})
	})

	Describe("authentication", func() {
		It("rejects a missing API key without contacting the vehicle", func() {
			build()
			makeReady()
			rr := sendRequest(http.MethodPost, "/lock", "", nil)
			Expect(rr.Code).To(Equal(http.StatusUnauthorized))
			Expect(rr.Body.String()).To(MatchJSON(`{"ok":false,"error":"unauthorized"}`))
		})

		It("rejects an incorrect API key", func() {
			build()
			makeReady()
			for _, path := range []string{"/unlock", "/start", "/stop", "/reinitialize"} {
				rr := sendRequest(http.MethodPost, path, "wrong", nil)
				Expect(rr.Code).To(Equal(http.StatusUnauthorized))
			}
			rr := sendRequest(http.MethodGet, "/status", "wrong", nil)
			Expect(rr.Code).To(Equal(http.StatusUnauthorized))
		})

		It("checks the key before readiness", func() {
			build()
			rr := sendRequest(http.MethodPost, "/lock", "", nil)
			Expect(rr.Code).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("vehicle actions", func() {
		It("returns 503 while not ready without contacting the vehicle", func() {
			build()
			rr := sendRequest(http.MethodPost, "/lock", apiKey, nil)
			Expect(rr.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(rr.Body.String()).To(MatchJSON(`{"ok":false,"error":"not ready"}`))
		})

		It("passes the upstream result through", func() {
			build()
			makeReady()
			car.EXPECT().Unlock(gomock.Any()).Return(json.RawMessage(`{"success":true}`), nil)

			rr := sendRequest(http.MethodPost, "/unlock", apiKey, nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Header().Get("Content-Type")).To(Equal("application/json"))
			Expect(rr.Body.String()).To(MatchJSON(`{"ok":true,"result":{"success":true}}`))
		})

		It("reads vehicle status with GET", func() {
			build()
			makeReady()
			car.EXPECT().Status(gomock.Any()).Return(json.RawMessage(`{"doorLock":true,"engine":false}`), nil)

			rr := sendRequest(http.MethodGet, "/status", apiKey, nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Body.String()).To(MatchJSON(`{"ok":true,"result":{"doorLock":true,"engine":false}}`))

			rr = sendRequest(http.MethodPost, "/status", apiKey, nil)
			Expect(rr.Code).To(Equal(http.StatusMethodNotAllowed))
		})

		It("forwards start options", func() {
			build()
			makeReady()
			car.EXPECT().Start(gomock.Any(), vehicle.StartOptions{Temperature: 70, Duration: 10, Heating: true}).
				Return(json.RawMessage(`{"success":true}`), nil)

			rr := sendRequest(http.MethodPost, "/start", apiKey, []byte(`{"temperature":70,"duration":10,"heating":true}`))
			Expect(rr.Code).To(Equal(http.StatusOK))
		})

		It("rejects a malformed start body", func() {
			build()
			makeReady()
			rr := sendRequest(http.MethodPost, "/start", apiKey, []byte(`{"temperature":`))
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
			Expect(rr.Body.String()).To(ContainSubstring(`"ok":false`))
		})

		It("reports action failures without leaving the ready state", func() {
			build()
			makeReady()
			car.EXPECT().Lock(gomock.Any()).Return(nil, errors.New("remote command failed"))

			rr := sendRequest(http.MethodPost, "/lock", apiKey, nil)
			Expect(rr.Code).To(Equal(http.StatusInternalServerError))
			Expect(rr.Body.String()).To(MatchJSON(`{"ok":false,"error":"remote command failed"}`))
			Expect(manager.State()).To(Equal(session.StateReady))
		})

		It("reports upstream timeouts", func() {
			build()
			makeReady()
			slow := dispatcher.New(manager, 50*time.Millisecond, false)
			DeferCleanup(slow.Close)
			var err error
			p, err = proxy.New(manager, slow, apiKey)
			Expect(err).ToNot(HaveOccurred())
			car.EXPECT().Stop(gomock.Any()).DoAndReturn(func(ctx context.Context) (json.RawMessage, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			})

			rr := sendRequest(http.MethodPost, "/stop", apiKey, nil)
			Expect(rr.Code).To(Equal(http.StatusInternalServerError))
			Expect(rr.Body.String()).To(MatchJSON(`{"ok":false,"error":"upstream timeout"}`))
			Expect(manager.Ready()).To(BeTrue())
		})

		It("requires POST for mutating actions", func() {
			build()
			makeReady()
			rr := sendRequest(http.MethodGet, "/lock", apiKey, nil)
			Expect(rr.Code).To(Equal(http.StatusMethodNotAllowed))
		})
	})

	Describe("session control", func() {
		It("initializes on wake", func() {
			build()
			mockAccount.EXPECT().Login(gomock.Any()).Return(nil)
			mockAccount.EXPECT().Vehicles(gomock.Any()).Return([]vehicle.Vehicle{car}, nil)

			rr := sendRequest(http.MethodPost, "/wake", "", nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Body.String()).To(MatchJSON(`{"ok":true}`))
			Expect(manager.Ready()).To(BeTrue())
		})

		It("reports wake failures", func() {
			build()
			mockAccount.EXPECT().Login(gomock.Any()).Return(errors.New("bad password"))

			rr := sendRequest(http.MethodPost, "/wake", "", nil)
			Expect(rr.Code).To(Equal(http.StatusInternalServerError))
			Expect(rr.Body.String()).To(MatchJSON(`{"ok":false,"error":"login failed: bad password"}`))
		})

		It("logs in again on reinitialize", func() {
			build()
			makeReady()
			mockAccount.EXPECT().Login(gomock.Any()).Return(nil)
			mockAccount.EXPECT().Vehicles(gomock.Any()).Return([]vehicle.Vehicle{car}, nil)

			rr := sendRequest(http.MethodPost, "/reinitialize", apiKey, nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(manager.Snapshot().Attempts).To(Equal(2))
		})
	})

	It("returns JSON for unknown paths", func() {
		build()
		rr := sendRequest(http.MethodGet, "/honk", apiKey, nil)
		Expect(rr.Code).To(Equal(http.StatusNotFound))
		Expect(rr.Body.String()).To(MatchJSON(`{"ok":false,"error":"not found"}`))
	})
})
