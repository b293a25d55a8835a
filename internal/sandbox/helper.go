package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// WriteHelper writes the secret-emitting helper script spec §4.3
// describes: sensitive third-party tokens never go into the child's
// environment; instead a script at a well-known path prints the secret
// to stdout when the child invokes it. When wasmModulePath is set, the
// secret is first run through that module (e.g. to exchange a raw token
// for a short-lived derived credential) via wazero before being baked
// into the script; otherwise the plain /bin/sh fallback emits the
// secret value directly.
func WriteHelper(ctx context.Context, dir, name, secretValue, wasmModulePath string) (string, error) {
	if secretValue == "" {
		return "", fmt.Errorf("sandbox: empty secret value for helper %q", name)
	}

	emit := secretValue
	if wasmModulePath != "" {
		out, err := RunWasmHelper(ctx, wasmModulePath, secretValue)
		if err != nil {
			return "", fmt.Errorf("run wasm helper %q: %w", wasmModulePath, err)
		}
		emit = out
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create helper dir: %w", err)
	}
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\nprintf '%s' " + shellQuote(emit) + "\n"
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		return "", fmt.Errorf("write helper script: %w", err)
	}
	return path, nil
}

// shellQuote wraps s in single quotes, escaping any embedded single
// quote the POSIX-portable way: close the quote, emit an escaped quote,
// reopen it.
func shellQuote(s string) string {
	var b bytes.Buffer
	b.WriteByte('\'')
	for _, r := range s {
		if r == '\'' {
			b.WriteString(`'\''`)
		} else {
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

// RunWasmHelper instantiates a precompiled WASM module under wazero,
// exposing the raw secret via a "host.get_secret" import and collecting
// the module's derived output via a "host.put_result" import the module
// calls before returning — the same host-function idiom used elsewhere
// for sandboxed skill invocation, just narrowed to a single round trip.
// This lets an operator implement token-exchange logic (e.g. git-forge
// app token minting) without a native helper binary.
func RunWasmHelper(ctx context.Context, modulePath, secretValue string) (string, error) {
	wasmBytes, err := os.ReadFile(modulePath)
	if err != nil {
		return "", fmt.Errorf("read wasm module: %w", err)
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	defer runtime.Close(ctx)

	var result bytes.Buffer
	builder := runtime.NewHostModuleBuilder("host")
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, limit uint32) uint32 {
			b := []byte(secretValue)
			if uint32(len(b)) > limit {
				b = b[:limit]
			}
			if !mod.Memory().Write(ptr, b) {
				return 0
			}
			return uint32(len(b))
		}).
		Export("get_secret")
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) {
			if b, ok := mod.Memory().Read(ptr, length); ok {
				result.Write(b)
			}
		}).
		Export("put_result")
	if _, err := builder.Instantiate(ctx); err != nil {
		return "", fmt.Errorf("instantiate host module: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return "", fmt.Errorf("compile wasm module: %w", err)
	}
	module, err := runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("helper"))
	if err != nil {
		return "", fmt.Errorf("instantiate wasm module: %w", err)
	}
	defer module.Close(ctx)

	run := module.ExportedFunction("run")
	if run == nil {
		return "", fmt.Errorf("wasm module %s exports no \"run\" function", modulePath)
	}
	if _, err := run.Call(ctx); err != nil {
		return "", fmt.Errorf("call run: %w", err)
	}

	return result.String(), nil
}
