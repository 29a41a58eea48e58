package core

import (
	"context"
	"fmt"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

type Service struct {
	config            Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	persistenceClient any
	repositoryFactory any
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	stores            StoreProvider
	machine           *StateMachine
	applier           *EventApplier
	orchestrator      *AttemptOrchestrator
	clock             Clock
}

type ServiceDependencies struct {
	Logger            Logger
	LoggerProvider    LoggerProvider
	MetricsRecorder   MetricsRecorder
	ErrorFactory      ErrorFactory
	ErrorMapper       ErrorMapper
	PersistenceClient any
	RepositoryFactory any
	ConfigProvider    ConfigProvider
	OptionsResolver   OptionsResolver
	Stores            StoreProvider
	StateMachine      *StateMachine
	Applier           *EventApplier
	Orchestrator      *AttemptOrchestrator
	Clock             Clock
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("payments", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("payments"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.clock == nil {
		builder.clock = func() time.Time { return time.Now().UTC() }
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	if builder.stores == nil && builder.repositoryFactory != nil {
		switch factory := builder.repositoryFactory.(type) {
		case RepositoryStoreFactory:
			stores, buildErr := factory.BuildStores(builder.persistenceClient)
			if buildErr != nil {
				return nil, mapBuildError(builder.errorMapper, buildErr)
			}
			builder.stores = stores
		case StoreProvider:
			builder.stores = factory
		}
	}
	if builder.stores == nil {
		return nil, mapBuildError(builder.errorMapper, fmt.Errorf("core: store provider is required"))
	}

	machine := NewStateMachine(builder.stores.Orders(), builder.matrix, logger)
	applier := NewEventApplier(builder.stores, machine, logger, builder.metricsRecorder, builder.clock)
	orchestrator := NewAttemptOrchestrator(
		builder.stores,
		machine,
		builder.gateways,
		AttemptOrchestratorConfig{
			RemoteTimeout: finalConfig.Attempts.RemoteTimeout,
			CreatingLease: finalConfig.Attempts.CreatingLease,
		},
		logger,
		builder.metricsRecorder,
		builder.clock,
	)

	return &Service{
		config:            finalConfig,
		logger:            logger,
		loggerProvider:    provider,
		metricsRecorder:   builder.metricsRecorder,
		errorFactory:      builder.errorFactory,
		errorMapper:       builder.errorMapper,
		persistenceClient: builder.persistenceClient,
		repositoryFactory: builder.repositoryFactory,
		configProvider:    builder.configProvider,
		optionsResolver:   builder.optionsResolver,
		stores:            builder.stores,
		machine:           machine,
		applier:           applier,
		orchestrator:      orchestrator,
		clock:             builder.clock,
	}, nil
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return NewService(cfg, opts...)
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:            s.logger,
		LoggerProvider:    s.loggerProvider,
		MetricsRecorder:   s.metricsRecorder,
		ErrorFactory:      s.errorFactory,
		ErrorMapper:       s.errorMapper,
		PersistenceClient: s.persistenceClient,
		RepositoryFactory: s.repositoryFactory,
		ConfigProvider:    s.configProvider,
		OptionsResolver:   s.optionsResolver,
		Stores:            s.stores,
		StateMachine:      s.machine,
		Applier:           s.applier,
		Orchestrator:      s.orchestrator,
		Clock:             s.clock,
	}
}

// CreateOrder persists an order and reserves its inventory. A reservation
// failure leaves the order in INVENTORY_FAILED and is not an error.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (order Order, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"idempotency_key": in.IdempotencyKey, "provider_id": in.Provider}
	defer func() {
		fields["order_id"] = order.ID
		s.observeOperation(ctx, startedAt, "create_order", err, fields)
	}()

	if err = in.Validate(); err != nil {
		return Order{}, s.mapError(err)
	}
	order, err = s.stores.Orders().Create(ctx, in)
	if err != nil {
		return Order{}, s.mapError(err)
	}
	status, err := s.stores.Inventory().ReserveOrder(ctx, order.ID)
	if err != nil {
		return Order{}, s.mapError(err)
	}
	fields["status"] = status
	return s.stores.Orders().Get(ctx, order.ID)
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (Order, error) {
	order, err := s.stores.Orders().Get(ctx, orderID)
	if err != nil {
		return Order{}, s.mapError(err)
	}
	return order, nil
}

func (s *Service) TransitionOrder(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	result, err := s.machine.Transition(ctx, req)
	if err != nil {
		return TransitionResult{}, s.mapError(err)
	}
	return result, nil
}

func (s *Service) CreateAttemptAndRemoteInvoice(ctx context.Context, orderID string) (result AttemptResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"order_id": orderID}
	defer func() {
		fields["attempt_id"] = result.AttemptID
		s.observeOperation(ctx, startedAt, "create_attempt", err, fields)
	}()

	result, err = s.orchestrator.CreateAttemptAndRemoteInvoice(ctx, orderID)
	if err != nil {
		return result, s.mapError(err)
	}
	return result, nil
}

// ApplyEvent applies a stored webhook event. Used by the ingestion pipeline
// and the claim consumers.
func (s *Service) ApplyEvent(ctx context.Context, event WebhookEvent) (ApplyOutcome, error) {
	return s.applier.Apply(ctx, event)
}

func (s *Service) Stores() StoreProvider {
	if s == nil {
		return nil
	}
	return s.stores
}

func (s *Service) Logger() Logger {
	if s == nil {
		return glog.Nop()
	}
	return s.logger
}

func (s *Service) Now() time.Time {
	if s == nil || s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock().UTC()
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	return mapBuildError(s.errorMapper, err)
}

func (s *Service) observeOperation(
	ctx context.Context,
	startedAt time.Time,
	operation string,
	err error,
	fields map[string]any,
) {
	if s == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
		fields["error"] = err.Error()
	}
	fields["status"] = status
	fields["duration_ms"] = time.Since(startedAt).Milliseconds()
	tags := map[string]string{"operation": operation, "status": status}
	total, duration := OperationMetricNames(operation)
	recordCounter(ctx, s.metricsRecorder, total, tags)
	recordDuration(ctx, s.metricsRecorder, duration, startedAt, tags)
	if err != nil {
		logError(ctx, s.logger, operation+" failed", fields)
		return
	}
	logInfo(ctx, s.logger, operation+" succeeded", fields)
}
