package messagebus

import (
	appkg "github.com/drblury/messagebus/internal/runtime/app"
	configpkg "github.com/drblury/messagebus/internal/runtime/config"
	dispatchpkg "github.com/drblury/messagebus/internal/runtime/dispatch"
	errspkg "github.com/drblury/messagebus/internal/runtime/errors"
	idspkg "github.com/drblury/messagebus/internal/runtime/ids"
	loggingpkg "github.com/drblury/messagebus/internal/runtime/logging"
	metadatapkg "github.com/drblury/messagebus/internal/runtime/metadata"
	queuepkg "github.com/drblury/messagebus/internal/runtime/queue"
	registrypkg "github.com/drblury/messagebus/internal/runtime/registry"
	serverpkg "github.com/drblury/messagebus/internal/runtime/server"
	sinkpkg "github.com/drblury/messagebus/internal/runtime/sink"
	"github.com/drblury/messagebus/transport"
)

type (
	Config                = configpkg.Config
	WebSocketConfig       = configpkg.WebSocket
	SinkConfig            = configpkg.SinkConfig
	ConfigLoader          = configpkg.Loader
	ConfigValidationError = errspkg.ConfigValidationError

	App    = appkg.App
	Option = appkg.Option

	Server        = serverpkg.Server
	ServerOptions = serverpkg.Options
	Status        = serverpkg.Status

	Registry        = registrypkg.Registry
	BroadcastResult = registrypkg.BroadcastResult
	DeliveryChannel = queuepkg.DeliveryChannel
	QueueOptions    = queuepkg.Options
	OverflowPolicy  = queuepkg.OverflowPolicy

	InboundMessage = dispatchpkg.InboundMessage
	Dispatcher     = dispatchpkg.Dispatcher
	DispatcherFunc = dispatchpkg.DispatcherFunc
	Filter         = dispatchpkg.Filter

	Event                  = sinkpkg.Event
	ObserverFunc           = sinkpkg.ObserverFunc
	MiddlewareRegistration = sinkpkg.MiddlewareRegistration

	ConnectionID = idspkg.ConnectionID
	Metadata     = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	BindError            = errspkg.BindError
	OversizeMessageError = errspkg.OversizeMessageError

	TransportConfig       = transport.Config
	TransportCapabilities = transport.Capabilities
)

var (
	New            = appkg.New
	WithLogger     = appkg.WithLogger
	WithRegisterer = appkg.WithRegisterer
	WithTransports = appkg.WithTransports
	WithFilters    = appkg.WithFilters
	WithObserver   = appkg.WithObserver

	DefaultConfig = configpkg.Default
	LoadConfig    = configpkg.Load
	ParseConfig   = configpkg.Parse
	MarshalConfig = configpkg.Marshal

	NewRegistry            = registrypkg.New
	NewDeliveryChannel     = queuepkg.New
	ParseOverflowPolicy    = queuepkg.ParseOverflowPolicy
	NewServer              = serverpkg.New
	NewBroadcastDispatcher = dispatchpkg.NewBroadcastDispatcher
	NewFilteredDispatcher  = dispatchpkg.NewFilteredDispatcher
	MaxSize                = dispatchpkg.MaxSize

	NewConnectionID      = idspkg.NewConnectionID
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger

	IsRecoverable = errspkg.IsRecoverable

	ErrBind             = errspkg.ErrBind
	ErrHandshake        = errspkg.ErrHandshake
	ErrOversizeMessage  = errspkg.ErrOversizeMessage
	ErrTransportIO      = errspkg.ErrTransportIO
	ErrChannelClosed    = errspkg.ErrChannelClosed
	ErrConfigRequired   = errspkg.ErrConfigRequired
	ErrRegistryRequired = errspkg.ErrRegistryRequired
	ErrSinkDisabled     = errspkg.ErrSinkDisabled
	ErrObserverRequired = errspkg.ErrObserverRequired
	ErrObserverName     = errspkg.ErrObserverName
)

const (
	OverflowDropOldest = queuepkg.OverflowDropOldest
	OverflowDropNewest = queuepkg.OverflowDropNewest
	OverflowDisconnect = queuepkg.OverflowDisconnect

	MetadataKeyEventID       = metadatapkg.KeyEventID
	MetadataKeyConnectionID  = metadatapkg.KeyConnectionID
	MetadataKeyRemoteAddr    = metadatapkg.KeyRemoteAddr
	MetadataKeyReceivedAt    = metadatapkg.KeyReceivedAt
	MetadataKeySize          = metadatapkg.KeySize
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID

	StatusPath = serverpkg.StatusPath
)
