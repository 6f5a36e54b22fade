package vm

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

func (n *wazeroNative) instantiateHostModule(ctx context.Context) error {
	_, err := n.runtime.NewHostModuleBuilder(HostModuleName).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(n.hostSpawn),
			[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
			[]api.ValueType{api.ValueTypeI32}).
		Export("spawn").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(n.hostPost),
			[]api.ValueType{api.ValueTypeI64}, nil).
		Export("post").
		Instantiate(ctx)
	return err
}

// hostSpawn reads the entrypoint name from guest memory and returns 0 on
// success, 1 on failure.
func (n *wazeroNative) hostSpawn(_ context.Context, mod api.Module, stack []uint64) {
	ptr, length := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
	stack[0] = api.EncodeU32(1)

	mem := mod.Memory()
	if mem == nil {
		return
	}
	name, ok := mem.Read(ptr, length)
	if !ok {
		return
	}
	if err := n.spawn(string(name)); err != nil {
		Logger().Debug("spawn refused", zap.String("service_id", n.serviceID), zap.Error(err))
		return
	}
	stack[0] = api.EncodeU32(0)
}

func (n *wazeroNative) hostPost(_ context.Context, _ api.Module, stack []uint64) {
	if err := n.Post(int64(stack[0])); err != nil {
		Logger().Debug("post refused", zap.String("service_id", n.serviceID), zap.Error(err))
	}
}
