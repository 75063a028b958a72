package service

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/mem"
	"github.com/shirou/gopsutil/process"

	"github.com/danmuck/cspnet/internal/node"
	"github.com/danmuck/cspnet/internal/protocol"
	"github.com/danmuck/cspnet/internal/protocol/tlv"
)

// RebootMagic must be the whole payload of a reboot request.
const RebootMagic uint32 = 0x80078007

// Process status field ids.
const (
	PSFieldPID        uint8 = 1
	PSFieldGoroutines uint8 = 2
	PSFieldThreads    uint8 = 3
	PSFieldUptimeMS   uint8 = 4
	PSFieldRSS        uint8 = 5
	PSFieldHostname   uint8 = 6
)

var started = time.Now()

// Standard returns the reserved-port handlers for n.
func Standard(n *node.Node, cfg Config) []Handler {
	return []Handler{
		NewHandler("ping", protocol.PortPing, handlePing),
		NewHandler("ps", protocol.PortPS, psHandler(n)),
		NewHandler("memfree", protocol.PortMemFree, handleMemFree),
		NewHandler("reboot", protocol.PortReboot, rebootHandler(cfg.RebootHook)),
		NewHandler("buf-free", protocol.PortBufFree, bufFreeHandler(n)),
	}
}

func handlePing(_ context.Context, req Request) ([]byte, error) {
	return append([]byte{}, req.Payload...), nil
}

func psHandler(n *node.Node) func(context.Context, Request) ([]byte, error) {
	return func(ctx context.Context, _ Request) ([]byte, error) {
		return tlv.AppendFields(nil, n.MTU(), processStatus(ctx)...)
	}
}

func processStatus(ctx context.Context) []tlv.Field {
	pid := os.Getpid()
	fields := []tlv.Field{
		tlv.U32(PSFieldPID, uint32(pid)),
		tlv.U32(PSFieldGoroutines, uint32(runtime.NumGoroutine())),
	}
	if p, err := process.NewProcess(int32(pid)); err == nil {
		if threads, err := p.NumThreadsWithContext(ctx); err == nil {
			fields = append(fields, tlv.U32(PSFieldThreads, uint32(threads)))
		}
		if info, err := p.MemoryInfoWithContext(ctx); err == nil {
			fields = append(fields, tlv.U64(PSFieldRSS, info.RSS))
		}
	}
	fields = append(fields, tlv.U64(PSFieldUptimeMS, uint64(time.Since(started).Milliseconds())))
	if host, err := os.Hostname(); err == nil {
		fields = append(fields, tlv.String(PSFieldHostname, host))
	}
	return fields
}

func handleMemFree(ctx context.Context, _ Request) ([]byte, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	free := vm.Available
	if free > math.MaxUint32 {
		free = math.MaxUint32
	}
	return binary.BigEndian.AppendUint32(nil, uint32(free)), nil
}

func rebootHandler(hook func(context.Context) error) func(context.Context, Request) ([]byte, error) {
	return func(ctx context.Context, req Request) ([]byte, error) {
		if len(req.Payload) != 4 || binary.BigEndian.Uint32(req.Payload) != RebootMagic {
			return nil, fmt.Errorf("%w: reboot magic mismatch from node %d", ErrBadRequest, req.Src)
		}
		log.Warn().Uint8("src", req.Src).Msg("service.reboot requested")
		if hook == nil {
			return nil, nil
		}
		return nil, hook(ctx)
	}
}

func bufFreeHandler(n *node.Node) func(context.Context, Request) ([]byte, error) {
	return func(_ context.Context, _ Request) ([]byte, error) {
		return binary.BigEndian.AppendUint32(nil, uint32(n.Pool().Free())), nil
	}
}
