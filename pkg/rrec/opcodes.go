package rrec

import "github.com/OkayMusic/RRec/internal/wire"

type (
	Opcode       = wire.Opcode
	ResponseCode = wire.Response
)

const (
	OpImageRequest          = wire.ImageRequest
	OpLoadFromFile          = wire.LoadFromFile
	OpLoadFromPython        = wire.LoadFromPython
	OpRunAlgorithm          = wire.RunAlgorithm
	OpEqualize              = wire.Equalize
	OpCalculateBackground   = wire.CalculateBackground
	OpCalculateSignal       = wire.CalculateSignal
	OpCalculateSignificance = wire.CalculateSignificance
	OpCluster               = wire.Cluster
)

const (
	ResponseSuccess        = wire.Success
	ResponseNotImplemented = wire.NotImplemented
	ResponseError          = wire.Error
)

// ParseOpcode accepts the snake_case names used in pipeline files.
func ParseOpcode(name string) (Opcode, error) { return wire.ParseOpcode(name) }

// Opcodes lists every opcode in wire order.
func Opcodes() []Opcode { return wire.Opcodes() }
