package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/remotecar/bluelink-proxy/mocks"
	"github.com/remotecar/bluelink-proxy/pkg/account"
	"github.com/remotecar/bluelink-proxy/pkg/protocol"
	"github.com/remotecar/bluelink-proxy/pkg/session"
	"github.com/remotecar/bluelink-proxy/pkg/vehicle"
)

const (
	primaryVIN   = "KMHXX12345ABCDE01"
	secondaryVIN = "KMHXX99999ABCDE02"
)

var _ = Describe("Manager", func() {
	var (
		ctrl        *gomock.Controller
		mockAccount *mocks.MockAccount
		primary     *mocks.MockVehicle
		secondary   *mocks.MockVehicle
		creds       account.Credentials
		config      session.Config
		factoryHits atomic.Int32
	)

	factory := func(account.Credentials) (account.Account, error) {
		factoryHits.Add(1)
		return mockAccount, nil
	}

	newManager := func() *session.Manager {
		m := session.New(factory, creds, config)
		DeferCleanup(m.Close)
		return m
	}

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		mockAccount = mocks.NewMockAccount(ctrl)
		primary = mocks.NewMockVehicle(ctrl)
		primary.EXPECT().VIN().Return(primaryVIN).AnyTimes()
		primary.EXPECT().Name().Return("Ioniq 5").AnyTimes()
		secondary = mocks.NewMockVehicle(ctrl)
		secondary.EXPECT().VIN().Return(secondaryVIN).AnyTimes()
		secondary.EXPECT().Name().Return("Santa Fe").AnyTimes()
		factoryHits.Store(0)
		creds = account.Credentials{
			Username: "driver@example.com",
			Password: "hunter2",
			PIN:      "1234",
			Region:   account.RegionUS,
			Brand:    account.BrandHyundai,
		}
		config = session.Config{RetryInterval: time.Hour, Timeout: time.Second}
	})

	It("starts uninitialized without contacting upstream", func() {
		m := newManager()
		Expect(m.State()).To(Equal(session.StateUninitialized))
		Expect(m.Ready()).To(BeFalse())
		Expect(m.Vehicle()).To(BeNil())
		Expect(factoryHits.Load()).To(BeZero())
	})

	Context("missing credentials", func() {
		It("fails without building a client", func() {
			creds.PIN = ""
			m := newManager()

			err := m.Initialize(context.Background())
			Expect(err).To(MatchError(protocol.ErrMissingCredentials))
			Expect(m.State()).To(Equal(session.StateFailed))
			Expect(factoryHits.Load()).To(BeZero())

			snapshot := m.Snapshot()
			Expect(snapshot.HasCredentials).To(BeFalse())
			Expect(snapshot.LastError).To(Equal("missing credentials"))
			Expect(snapshot.RetryScheduled).To(BeTrue())
			Expect(snapshot.LastAttempt).ToNot(BeZero())
		})
	})

	Context("valid credentials", func() {
		It("logs in and selects the first vehicle", func() {
			mockAccount.EXPECT().Login(gomock.Any()).Return(nil)
			mockAccount.EXPECT().Vehicles(gomock.Any()).Return([]vehicle.Vehicle{primary, secondary}, nil)
			m := newManager()

			Expect(m.Initialize(context.Background())).To(Succeed())
			Expect(m.State()).To(Equal(session.StateReady))
			Expect(m.Vehicle()).To(Equal(primary))

			snapshot := m.Snapshot()
			Expect(snapshot.Ready()).To(BeTrue())
			Expect(snapshot.VIN).To(Equal(primaryVIN))
			Expect(snapshot.LastError).To(BeEmpty())
			Expect(snapshot.RetryScheduled).To(BeFalse())
		})

		It("selects the configured VIN", func() {
			config.TargetVIN = secondaryVIN
			mockAccount.EXPECT().Login(gomock.Any()).Return(nil)
			mockAccount.EXPECT().Vehicles(gomock.Any()).Return([]vehicle.Vehicle{primary, secondary}, nil)
			m := newManager()

			Expect(m.Initialize(context.Background())).To(Succeed())
			Expect(m.Vehicle()).To(Equal(secondary))
		})

		It("is a no-op once ready", func() {
			mockAccount.EXPECT().Login(gomock.Any()).Return(nil).Times(1)
			mockAccount.EXPECT().Vehicles(gomock.Any()).Return([]vehicle.Vehicle{primary}, nil).Times(1)
			m := newManager()

			Expect(m.Initialize(context.Background())).To(Succeed())
			Expect(m.Wake(context.Background())).To(Succeed())
			Expect(m.Initialize(context.Background())).To(Succeed())
			Expect(m.Snapshot().Attempts).To(Equal(1))
		})

		It("shares one login between concurrent wakes", func() {
			release := make(chan struct{})
			mockAccount.EXPECT().Login(gomock.Any()).DoAndReturn(func(context.Context) error {
				<-release
				return nil
			}).Times(1)
			mockAccount.EXPECT().Vehicles(gomock.Any()).Return([]vehicle.Vehicle{primary}, nil).Times(1)
			m := newManager()

			var wg sync.WaitGroup
			errs := make(chan error, 5)
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs <- m.Wake(context.Background())
				}()
			}

			Eventually(m.State).Should(Equal(session.StateInitializing))
			time.Sleep(50 * time.Millisecond)
			close(release)
			wg.Wait()
			close(errs)

			for err := range errs {
				Expect(err).ToNot(HaveOccurred())
			}
			Expect(m.State()).To(Equal(session.StateReady))
			Expect(factoryHits.Load()).To(Equal(int32(1)))
		})

		It("replaces the client on reinitialize", func() {
			mockAccount.EXPECT().Login(gomock.Any()).Return(nil).Times(2)
			mockAccount.EXPECT().Vehicles(gomock.Any()).Return([]vehicle.Vehicle{primary}, nil).Times(2)
			m := newManager()

			Expect(m.Initialize(context.Background())).To(Succeed())
			Expect(m.Reinitialize(context.Background())).To(Succeed())
			Expect(m.State()).To(Equal(session.StateReady))
			Expect(factoryHits.Load()).To(Equal(int32(2)))
			Expect(m.Snapshot().Attempts).To(Equal(2))
		})
	})

	Context("upstream failures", func() {
		It("records login errors and retries until ready", func() {
			config.RetryInterval = 20 * time.Millisecond
			gomock.InOrder(
				mockAccount.EXPECT().Login(gomock.Any()).Return(errors.New("bad password")),
				mockAccount.EXPECT().Login(gomock.Any()).Return(nil),
			)
			mockAccount.EXPECT().Vehicles(gomock.Any()).Return([]vehicle.Vehicle{primary}, nil)
			m := newManager()

			err := m.Initialize(context.Background())
			Expect(err).To(MatchError(ContainSubstring("login failed: bad password")))
			Expect(protocol.KindOf(err)).To(Equal(protocol.KindLogin))

			Eventually(m.State).Should(Equal(session.StateReady))
			snapshot := m.Snapshot()
			Expect(snapshot.Attempts).To(Equal(2))
			Expect(snapshot.LastError).To(BeEmpty())
		})

		It("fails when the account has no vehicles", func() {
			mockAccount.EXPECT().Login(gomock.Any()).Return(nil)
			mockAccount.EXPECT().Vehicles(gomock.Any()).Return(nil, nil)
			m := newManager()

			Expect(m.Initialize(context.Background())).To(MatchError(protocol.ErrNoVehicles))
			Expect(m.State()).To(Equal(session.StateFailed))
			Expect(m.Snapshot().LastError).To(Equal("no vehicles found"))
		})

		It("reports discovery errors", func() {
			mockAccount.EXPECT().Login(gomock.Any()).Return(nil)
			mockAccount.EXPECT().Vehicles(gomock.Any()).Return(nil, errors.New("HTTP 502"))
			m := newManager()

			err := m.Initialize(context.Background())
			Expect(protocol.KindOf(err)).To(Equal(protocol.KindDiscovery))
			Expect(m.State()).To(Equal(session.StateFailed))
		})

		It("times out a login that never returns", func() {
			config.Timeout = 20 * time.Millisecond
			mockAccount.EXPECT().Login(gomock.Any()).DoAndReturn(func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			})
			m := newManager()

			err := m.Initialize(context.Background())
			Expect(protocol.IsTimeout(err)).To(BeTrue())
			Expect(m.State()).To(Equal(session.StateFailed))
		})

		It("rejects an unknown VIN in strict mode", func() {
			config.TargetVIN = "ZZZZZZZZZZZZZZZZZ"
			config.StrictVIN = true
			mockAccount.EXPECT().Login(gomock.Any()).Return(nil)
			mockAccount.EXPECT().Vehicles(gomock.Any()).Return([]vehicle.Vehicle{primary, secondary}, nil)
			m := newManager()

			Expect(m.Initialize(context.Background())).To(MatchError(protocol.ErrVehicleNotFound))
			Expect(m.Vehicle()).To(BeNil())
		})

		It("leaves retries to the caller in manual mode", func() {
			config.RetryInterval = 20 * time.Millisecond
			config.ManualRetry = true
			gomock.InOrder(
				mockAccount.EXPECT().Login(gomock.Any()).Return(errors.New("bad password")),
				mockAccount.EXPECT().Login(gomock.Any()).Return(nil),
			)
			mockAccount.EXPECT().Vehicles(gomock.Any()).Return([]vehicle.Vehicle{primary}, nil)
			m := newManager()

			Expect(m.Initialize(context.Background())).ToNot(Succeed())
			Expect(m.Snapshot().RetryScheduled).To(BeFalse())
			Consistently(func() int { return m.Snapshot().Attempts }, 150*time.Millisecond).Should(Equal(1))

			Expect(m.Initialize(context.Background())).To(Succeed())
			Expect(m.Snapshot().Attempts).To(Equal(2))
		})

		It("stops retrying after close", func() {
			config.RetryInterval = 20 * time.Millisecond
			creds.Password = ""
			m := newManager()

			Expect(m.Initialize(context.Background())).ToNot(Succeed())
			m.Close()
			Consistently(func() int { return m.Snapshot().Attempts }, 150*time.Millisecond).Should(Equal(1))
			Expect(m.Snapshot().RetryScheduled).To(BeFalse())
			Expect(m.Wake(context.Background())).To(MatchError(session.ErrClosed))
		})
	})

	Describe("Start", func() {
		It("initializes in the background and closes when the context ends", func() {
			mockAccount.EXPECT().Login(gomock.Any()).Return(nil)
			mockAccount.EXPECT().Vehicles(gomock.Any()).Return([]vehicle.Vehicle{primary}, nil)
			m := newManager()

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- m.Start(ctx) }()

			Eventually(m.Ready).Should(BeTrue())
			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})
	})
})
