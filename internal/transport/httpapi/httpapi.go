// Package httpapi translates the control-plane command surface (§6.1) into
// a Huma-generated REST+OpenAPI API, exactly the mapping table in
// SPEC_FULL.md §4.9. internal/controlplane stays transport-agnostic; this
// package is the thin HTTP layer in front of it.
package httpapi

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/retrovue-playoutd/internal/controlplane"
	"github.com/jmylchreest/retrovue-playoutd/internal/playouterr"
)

// Handler registers the control-plane HTTP routes against a huma.API.
type Handler struct {
	adapter *controlplane.Adapter
	swap    controlplane.PlanSwapper
}

// NewHandler constructs a Handler wrapping adapter. swap is the engine's
// concrete plan hot-swap mechanics (internal/engine.Engine.SwapPlan),
// invoked by the updatePlan route once the adapter has resolved the new
// plan_handle.
func NewHandler(adapter *controlplane.Adapter, swap controlplane.PlanSwapper) *Handler {
	return &Handler{adapter: adapter, swap: swap}
}

// Register wires every §4.9 route onto api.
func (h *Handler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "startChannel",
		Method:      http.MethodPost,
		Path:        "/v1/channels",
		Summary:     "Start a channel",
		Tags:        []string{"Channels"},
	}, h.startChannel)

	huma.Register(api, huma.Operation{
		OperationID: "updatePlan",
		Method:      http.MethodPut,
		Path:        "/v1/channels/{channel_id}/plan",
		Summary:     "Hot-swap a channel's plan",
		Tags:        []string{"Channels"},
	}, h.updatePlan)

	huma.Register(api, huma.Operation{
		OperationID: "stopChannel",
		Method:      http.MethodDelete,
		Path:        "/v1/channels/{channel_id}",
		Summary:     "Stop a channel",
		Tags:        []string{"Channels"},
	}, h.stopChannel)

	huma.Register(api, huma.Operation{
		OperationID: "loadPreview",
		Method:      http.MethodPost,
		Path:        "/v1/channels/{channel_id}/preview",
		Summary:     "Load a preview asset",
		Tags:        []string{"Channels"},
	}, h.loadPreview)

	huma.Register(api, huma.Operation{
		OperationID: "switchToLive",
		Method:      http.MethodPost,
		Path:        "/v1/channels/{channel_id}/switch-to-live",
		Summary:     "Promote the preview slot to live",
		Tags:        []string{"Channels"},
	}, h.switchToLive)

	huma.Register(api, huma.Operation{
		OperationID: "getVersion",
		Method:      http.MethodGet,
		Path:        "/v1/version",
		Summary:     "Get the control-plane API version",
		Tags:        []string{"System"},
	}, h.getVersion)
}

// --- StartChannel ---

type startChannelBody struct {
	ChannelID  int32  `json:"channel_id"`
	PlanHandle string `json:"plan_handle"`
	Port       int32  `json:"port"`
	UDSPath    string `json:"uds_path,omitempty"`
}

type startChannelInput struct {
	Body startChannelBody
}

type statusBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type startChannelOutput struct {
	Body statusBody
}

func (h *Handler) startChannel(ctx context.Context, in *startChannelInput) (*startChannelOutput, error) {
	result, err := h.adapter.StartChannel(ctx, in.Body.ChannelID, in.Body.PlanHandle, in.Body.Port, in.Body.UDSPath)
	if err != nil {
		return nil, toHumaError(err)
	}
	return &startChannelOutput{Body: statusBody{Success: result.Success, Message: result.Message}}, nil
}

// --- UpdatePlan ---

type updatePlanPath struct {
	ChannelID int32 `path:"channel_id"`
}

type updatePlanBody struct {
	PlanHandle string `json:"plan_handle"`
}

type updatePlanInput struct {
	updatePlanPath
	Body updatePlanBody
}

type updatePlanOutput struct {
	Body statusBody
}

func (h *Handler) updatePlan(ctx context.Context, in *updatePlanInput) (*updatePlanOutput, error) {
	err := h.adapter.UpdatePlan(ctx, in.ChannelID, in.Body.PlanHandle, h.swap)
	if err != nil {
		return nil, toHumaError(err)
	}
	return &updatePlanOutput{Body: statusBody{Success: true, Message: "plan updated"}}, nil
}

// --- StopChannel ---

type stopChannelInput struct {
	ChannelID int32 `path:"channel_id"`
}

type stopChannelOutput struct {
	Body statusBody
}

func (h *Handler) stopChannel(ctx context.Context, in *stopChannelInput) (*stopChannelOutput, error) {
	if err := h.adapter.StopChannel(in.ChannelID); err != nil {
		return nil, toHumaError(err)
	}
	return &stopChannelOutput{Body: statusBody{Success: true, Message: "channel stopped"}}, nil
}

// --- LoadPreview ---

type loadPreviewPath struct {
	ChannelID int32 `path:"channel_id"`
}

type loadPreviewBody struct {
	Path    string `json:"path"`
	AssetID string `json:"asset_id"`
}

type loadPreviewInput struct {
	loadPreviewPath
	Body loadPreviewBody
}

type loadPreviewResponseBody struct {
	Success             bool   `json:"success"`
	Message             string `json:"message"`
	ShadowDecodeStarted bool   `json:"shadow_decode_started"`
}

type loadPreviewOutput struct {
	Body loadPreviewResponseBody
}

func (h *Handler) loadPreview(ctx context.Context, in *loadPreviewInput) (*loadPreviewOutput, error) {
	result, err := h.adapter.LoadPreview(ctx, in.ChannelID, in.Body.Path, in.Body.AssetID)
	if err != nil {
		return nil, toHumaError(err)
	}
	return &loadPreviewOutput{Body: loadPreviewResponseBody{
		Success: result.Success, Message: result.Message, ShadowDecodeStarted: result.ShadowDecodeStarted,
	}}, nil
}

// --- SwitchToLive ---

type switchToLivePath struct {
	ChannelID int32 `path:"channel_id"`
}

type switchToLiveBody struct {
	AssetID string `json:"asset_id"`
}

type switchToLiveInput struct {
	switchToLivePath
	Body switchToLiveBody
}

type switchToLiveResponseBody struct {
	Success       bool  `json:"success"`
	Message       string `json:"message"`
	PTSContiguous bool  `json:"pts_contiguous"`
	LiveStartPTS  int64 `json:"live_start_pts"`
}

type switchToLiveOutput struct {
	Body switchToLiveResponseBody
}

func (h *Handler) switchToLive(ctx context.Context, in *switchToLiveInput) (*switchToLiveOutput, error) {
	result, err := h.adapter.SwitchToLive(in.ChannelID, in.Body.AssetID)
	if err != nil {
		return nil, toHumaError(err)
	}
	return &switchToLiveOutput{Body: switchToLiveResponseBody{
		Success: result.Success, Message: result.Message,
		PTSContiguous: result.PTSContiguous, LiveStartPTS: result.LiveStartPTS,
	}}, nil
}

// --- GetVersion ---

type getVersionInput struct{}

type getVersionBody struct {
	Version string `json:"version"`
}

type getVersionOutput struct {
	Body getVersionBody
}

func (h *Handler) getVersion(ctx context.Context, in *getVersionInput) (*getVersionOutput, error) {
	return &getVersionOutput{Body: getVersionBody{Version: h.adapter.GetVersion()}}, nil
}

// toHumaError maps a playouterr.Kind to the §4.9 HTTP status table:
// AlreadyExists->409, NotFound->404, FailedPrecondition->412,
// DeadlineExceeded->504, Internal->500.
func toHumaError(err error) error {
	msg := err.Error()
	switch playouterr.KindOf(err) {
	case playouterr.KindAlreadyExists:
		return huma.Error409Conflict(msg)
	case playouterr.KindNotFound:
		return huma.Error404NotFound(msg)
	case playouterr.KindFailedPrecondition:
		return huma.NewError(http.StatusPreconditionFailed, msg)
	case playouterr.KindDeadlineExceeded:
		return huma.NewError(http.StatusGatewayTimeout, msg)
	default:
		return huma.Error500InternalServerError(msg)
	}
}
