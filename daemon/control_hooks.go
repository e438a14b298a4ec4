package daemon

import (
	"context"
	"net/http"

	"github.com/pkg/errors"

	"github.com/hooksync/hooksync/hooks"
	"github.com/hooksync/hooksync/remediation"
)

type WakeupRequest struct {
	Name string
}

// ListHooksRequest lists the hooks of ClusterID, or all hooks if it is empty.
type ListHooksRequest struct {
	ClusterID string
}

type HookRequest struct {
	HookID string
}

type LookupHookRequest struct {
	ClusterID string
	Command   string
	Stage     hooks.Stage
	Name      string
}

type RegisterHookRequest struct {
	Definition hooks.Definition
}

// Server selects a single server. Empty means all expected servers.
type SetEnabledRequest struct {
	HookID  string
	Enabled bool
	Server  string
}

type UpdateContentRequest struct {
	HookID  string
	Content []byte
	Server  string
}

type RemoveHookRequest struct {
	HookID string
	Server string
}

type RemoveAllExceptRequest struct {
	HookIDs []string
	Keep    string
}

// ResyncRequest resyncs HookID, or all hooks if it is empty.
type ResyncRequest struct {
	HookID string
}

type FetchContentRequest struct {
	HookID string
	Server string
}

// OperationResponse carries the report of an operation that contacted servers.
// Error is set if the operation ran but did not succeed as a whole.
type OperationResponse struct {
	Report *remediation.Report
	Error  string `json:",omitempty"`
}

type BulkOperationResponse struct {
	Reports []*remediation.Report
	Error   string `json:",omitempty"`
}

type FetchContentResponse struct {
	Content []byte
	Report  *remediation.Report
	Error   string `json:",omitempty"`
}

func scopeOf(server string) remediation.Scope {
	if server == "" {
		return remediation.All()
	}
	return remediation.Server(server)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// operationResponse fails the request only if no report was produced.
func operationResponse(r *remediation.Report, err error) (interface{}, error) {
	if r == nil {
		return nil, err
	}
	return &OperationResponse{Report: r, Error: errString(err)}, nil
}

var errDecode = errors.New("decode failed")

func (j *controlJob) handleHooks(ctx context.Context, handle func(string, http.Handler)) {

	handle(ControlJobEndpointHooksList, jsonRequestResponder{func(decoder jsonDecoder) (interface{}, error) {
		var req ListHooksRequest
		if decoder(&req) != nil {
			return nil, errDecode
		}
		if req.ClusterID == "" {
			return j.catalog.List(ctx), nil
		}
		return j.catalog.ListByCluster(ctx, req.ClusterID)
	}})

	handle(ControlJobEndpointHooksGet, jsonRequestResponder{func(decoder jsonDecoder) (interface{}, error) {
		var req HookRequest
		if decoder(&req) != nil {
			return nil, errDecode
		}
		return j.catalog.Get(ctx, req.HookID)
	}})

	handle(ControlJobEndpointHooksLookup, jsonRequestResponder{func(decoder jsonDecoder) (interface{}, error) {
		var req LookupHookRequest
		if decoder(&req) != nil {
			return nil, errDecode
		}
		return j.catalog.Lookup(ctx, req.ClusterID, req.Command, req.Stage, req.Name)
	}})

	handle(ControlJobEndpointHooksRegister, jsonRequestResponder{func(decoder jsonDecoder) (interface{}, error) {
		var req RegisterHookRequest
		if decoder(&req) != nil {
			return nil, errDecode
		}
		h, err := j.catalog.Register(ctx, req.Definition)
		if err != nil {
			return nil, err
		}
		return h, nil
	}})

	handle(ControlJobEndpointHooksSetEnabled, jsonRequestResponder{func(decoder jsonDecoder) (interface{}, error) {
		var req SetEnabledRequest
		if decoder(&req) != nil {
			return nil, errDecode
		}
		return operationResponse(j.orch.SetEnabled(ctx, req.HookID, req.Enabled, scopeOf(req.Server)))
	}})

	handle(ControlJobEndpointHooksUpdateContent, jsonRequestResponder{func(decoder jsonDecoder) (interface{}, error) {
		var req UpdateContentRequest
		if decoder(&req) != nil {
			return nil, errDecode
		}
		return operationResponse(j.orch.UpdateContent(ctx, req.HookID, req.Content, scopeOf(req.Server)))
	}})

	handle(ControlJobEndpointHooksRemove, jsonRequestResponder{func(decoder jsonDecoder) (interface{}, error) {
		var req RemoveHookRequest
		if decoder(&req) != nil {
			return nil, errDecode
		}
		return operationResponse(j.orch.RemoveHook(ctx, req.HookID, scopeOf(req.Server)))
	}})

	handle(ControlJobEndpointHooksRemoveAllExcept, jsonRequestResponder{func(decoder jsonDecoder) (interface{}, error) {
		var req RemoveAllExceptRequest
		if decoder(&req) != nil {
			return nil, errDecode
		}
		if req.Keep == "" {
			return nil, errors.Wrap(hooks.ErrInvalid, "the hook to keep must be specified")
		}
		reports, err := j.orch.RemoveAllExceptOne(ctx, req.HookIDs, req.Keep)
		return &BulkOperationResponse{Reports: reports, Error: errString(err)}, nil
	}})

	handle(ControlJobEndpointHooksResync, jsonRequestResponder{func(decoder jsonDecoder) (interface{}, error) {
		var req ResyncRequest
		if decoder(&req) != nil {
			return nil, errDecode
		}
		if req.HookID == "" {
			reports, err := j.orch.ResyncAll(ctx)
			return &BulkOperationResponse{Reports: reports, Error: errString(err)}, nil
		}
		r, err := j.orch.Resync(ctx, req.HookID)
		if r == nil {
			return nil, err
		}
		return &BulkOperationResponse{Reports: []*remediation.Report{r}, Error: errString(err)}, nil
	}})

	handle(ControlJobEndpointHooksContent, jsonRequestResponder{func(decoder jsonDecoder) (interface{}, error) {
		var req FetchContentRequest
		if decoder(&req) != nil {
			return nil, errDecode
		}
		content, r, err := j.orch.FetchContent(ctx, req.HookID, req.Server)
		if r == nil {
			return nil, err
		}
		return &FetchContentResponse{Content: content, Report: r, Error: errString(err)}, nil
	}})

	handle(ControlJobEndpointHooksPurge, jsonRequestResponder{func(decoder jsonDecoder) (interface{}, error) {
		var req HookRequest
		if decoder(&req) != nil {
			return nil, errDecode
		}
		if err := j.orch.Purge(ctx, req.HookID); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	}})
}
