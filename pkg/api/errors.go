package api

import "errors"

// Config errors
var (
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrReadConfig         = errors.New("read config")
	ErrUnsupportedFormat  = errors.New("unsupported config format")
	ErrUnknownMountType   = errors.New("unknown mount type")
	ErrHostPathRequired   = errors.New("host_path is required")
	ErrOpenMount          = errors.New("open mount")
	ErrUnknownHookOp      = errors.New("unknown hook op")
	ErrUnknownHookAction  = errors.New("unknown hook action")
	ErrUnknownHookPhase   = errors.New("unknown hook phase")
	ErrAfterRuleAction   = errors.New("after rules only observe")
)

// Mount errors
var (
	ErrInvalidVolumeFormat = errors.New("expected format host:guest or host:guest:" + MountOptionReadonlyShort)
	ErrResolvePath         = errors.New("failed to resolve path")
	ErrHostPathNotExist    = errors.New("host path does not exist")
	ErrUnknownMountOption  = errors.New("unknown option")
	ErrGuestPathNotAbs     = errors.New("guest path must be absolute")
	ErrGuestPathOutside    = errors.New("guest path must be within workspace")
)

// Env errors
var (
	ErrEnvNameEmpty   = errors.New("environment variable name cannot be empty")
	ErrEnvNameInvalid = errors.New("environment variable name is invalid")
	ErrEnvVarNotSet   = errors.New("environment variable is not set")
	ErrReadEnvFile    = errors.New("read env file")
	ErrEnvFileLine    = errors.New("parse env file line")
	ErrParseArgs      = errors.New("parse guest arguments")
)
