// Package render implements the synchronous generation pipeline: validate,
// budget precheck, plan, canon enforcement, image generation, storage, and a
// best-effort critique, with every stage under its own trace span and all
// provider cost tracked against the tenant's daily budget.
package render

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sgd/backend/internal/budget"
	"github.com/sgd/backend/internal/cache"
	"github.com/sgd/backend/internal/core"
	"github.com/sgd/backend/internal/observability"
	"github.com/sgd/backend/internal/provider"
	"github.com/sgd/backend/internal/storage"
)

// Mode selects the output class of a run.
type Mode string

const (
	// ModeFinal produces the requested assets under renders/.
	ModeFinal Mode = "final"
	// ModePreview produces a single half-resolution asset under previews/
	// and skips the critique.
	ModePreview Mode = "preview"
)

const (
	planCacheTTL  = 1 * time.Hour
	signedURLTTL  = 15 * time.Minute
	previewDivide = 2
)

// ModelCaller is the slice of the provider client the pipeline needs.
type ModelCaller interface {
	Execute(ctx context.Context, req *provider.Request) (*provider.Response, error)
}

// CanonSource resolves the project canon; the second return is false when the
// conservative default was substituted.
type CanonSource interface {
	Canon(ctx context.Context, orgID, projectID string) (*core.BrandCanon, bool)
}

// BudgetGate is the slice of the cost controller the pipeline needs.
type BudgetGate interface {
	Check(ctx context.Context, orgID string) (*budget.Status, error)
	Track(ctx context.Context, orgID string, costUSD float64, model, task string) (*budget.Status, error)
}

// Pipeline wires the render stages together.
type Pipeline struct {
	models     ModelCaller
	cache      *cache.Cache
	store      storage.Client
	canon      CanonSource
	budget     BudgetGate
	allowHosts []string
}

func New(models ModelCaller, c *cache.Cache, store storage.Client, canon CanonSource, b BudgetGate, allowHosts []string) *Pipeline {
	return &Pipeline{
		models:     models,
		cache:      c,
		store:      store,
		canon:      canon,
		budget:     b,
		allowHosts: allowHosts,
	}
}

// Render runs the full pipeline for one request. The trace on ctx (if any)
// collects spans and provider calls; its accumulated cost is what gets
// tracked against the org budget at the end.
func (p *Pipeline) Render(ctx context.Context, orgID string, req *core.RenderRequest, mode Mode) (*core.RenderResult, error) {
	tr := observability.FromContext(ctx)
	if tr == nil {
		tr = observability.NewTrace("render." + string(mode))
		ctx = observability.WithTrace(ctx, tr)
	}

	if err := p.validate(ctx, req); err != nil {
		return nil, err
	}
	if err := p.precheckBudget(ctx, orgID); err != nil {
		return nil, err
	}

	plan, err := p.plan(ctx, req)
	if err != nil {
		return nil, err
	}
	enf := p.enforce(ctx, orgID, req)

	images, model, err := p.generate(ctx, req, plan, enf, mode)
	if err != nil {
		return nil, err
	}
	assets, err := p.storeAssets(ctx, orgID, req, images, model, mode)
	if err != nil {
		return nil, err
	}

	if mode == ModeFinal {
		p.critique(ctx, req, plan, enf)
	}
	p.trackCost(ctx, orgID, tr)

	return &core.RenderResult{
		Assets: assets,
		Audit: core.Audit{
			TraceID:      tr.ID,
			ModelRoute:   tr.ModelRoute(),
			CostUSD:      tr.CostUSD(),
			GuardrailsOK: enf.Derived && len(enf.Violations) == 0,
			VerifiedBy:   verifiedBy(model),
		},
	}, nil
}

func (p *Pipeline) validate(ctx context.Context, req *core.RenderRequest) error {
	span := spanOn(ctx, "validate")
	defer span.Close()
	if err := req.Validate(p.allowHosts); err != nil {
		span.Fail(err)
		return err
	}
	return nil
}

func (p *Pipeline) precheckBudget(ctx context.Context, orgID string) error {
	span := spanOn(ctx, "budget_precheck")
	defer span.Close()

	status, err := p.budget.Check(ctx, orgID)
	if err != nil {
		// A broken budget backend does not block rendering; the post-run
		// Track call is the enforcement of record.
		slog.Warn("budget precheck unavailable", "org_id", orgID, "error", err)
		return nil
	}
	span.SetMeta("spend_usd", status.SpendUSD)
	if status.Exceeded {
		err := &core.Error{
			Kind:       core.KindBudget,
			Message:    "daily budget exhausted",
			RetryAfter: status.RetryAfterSeconds,
		}
		span.Fail(err)
		return err
	}
	return nil
}

// plan asks the planner for a design brief, cached per (project, instruction,
// constraints). Unparseable planner output is a guardrails failure.
func (p *Pipeline) plan(ctx context.Context, req *core.RenderRequest) (*Plan, error) {
	span := spanOn(ctx, "plan")
	defer span.Close()

	key := planCacheKey(req.ProjectID, req)
	raw, err := p.cache.GetOrCompute(ctx, key, planCacheTTL, func(ctx context.Context) ([]byte, error) {
		resp, err := p.models.Execute(ctx, &provider.Request{
			Task:   provider.TaskPlanner,
			System: plannerSystemPrompt,
			Prompt: planPrompt(req),
		})
		if err != nil {
			return nil, err
		}
		var plan Plan
		if err := provider.ParseJSON(resp.Text, &plan); err != nil {
			return nil, core.NewError(core.KindGuardrails, "planner output failed schema validation", err)
		}
		if err := plan.validate(); err != nil {
			return nil, err
		}
		return json.Marshal(&plan)
	})
	if err != nil {
		span.Fail(err)
		return nil, err
	}

	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		err = core.NewError(core.KindCache, "corrupt cached plan", err)
		span.Fail(err)
		return nil, err
	}
	span.SetMeta("concept", plan.Concept)
	return &plan, nil
}

func planPrompt(req *core.RenderRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\nInstruction: %s\nOutputs: %d x %s (%s)\n",
		req.Prompts.Task, req.Prompts.Instruction,
		req.Outputs.Count, req.Outputs.Dimensions, req.Outputs.Format)
	if len(req.Constraints.PaletteHex) > 0 {
		fmt.Fprintf(&b, "Requested palette: %s\n", strings.Join(req.Constraints.PaletteHex, ", "))
	}
	if len(req.Constraints.Fonts) > 0 {
		fmt.Fprintf(&b, "Requested fonts: %s\n", strings.Join(req.Constraints.Fonts, ", "))
	}
	return b.String()
}

func (p *Pipeline) enforce(ctx context.Context, orgID string, req *core.RenderRequest) *enforcement {
	span := spanOn(ctx, "canon_enforce")
	defer span.Close()

	canon, derived := p.canon.Canon(ctx, orgID, req.ProjectID)
	enf := enforceCanon(req, canon, derived)
	span.SetMeta("derived", derived)
	span.SetMeta("violations", len(enf.Violations))
	if len(enf.Violations) > 0 {
		slog.Info("canon violations detected",
			"project_id", req.ProjectID, "violations", enf.Violations)
	}
	return enf
}

func (p *Pipeline) generate(ctx context.Context, req *core.RenderRequest, plan *Plan, enf *enforcement, mode Mode) ([]provider.Image, string, error) {
	span := spanOn(ctx, "generate")
	defer span.Close()

	w, h, err := core.ParseDimensions(req.Outputs.Dimensions)
	if err != nil {
		span.Fail(err)
		return nil, "", err
	}
	count := req.Outputs.Count
	if mode == ModePreview {
		count = 1
		w, h = previewDims(w, h)
	}

	resp, err := p.models.Execute(ctx, &provider.Request{
		Task:   provider.TaskImage,
		Prompt: buildGenerationPrompt(req, plan, enf),
		Count:  count,
		Width:  w,
		Height: h,
		Format: req.Outputs.Format,
	})
	if err != nil {
		span.Fail(err)
		return nil, "", err
	}
	if len(resp.Images) == 0 {
		err := core.Errorf(core.KindImageGen, "provider returned zero images")
		span.Fail(err)
		return nil, "", err
	}
	span.SetMeta("images", len(resp.Images))
	span.SetMeta("model", resp.Model)
	return resp.Images, resp.Model, nil
}

func previewDims(w, h int) (int, int) {
	w, h = w/previewDivide, h/previewDivide
	if w < core.MinDimension {
		w = core.MinDimension
	}
	if h < core.MinDimension {
		h = core.MinDimension
	}
	return w, h
}

func (p *Pipeline) storeAssets(ctx context.Context, orgID string, req *core.RenderRequest, images []provider.Image, model string, mode Mode) ([]core.Asset, error) {
	span := spanOn(ctx, "store")
	defer span.Close()

	class := storage.ClassRenders
	if mode == ModePreview {
		class = storage.ClassPreviews
	}

	// Uploads are independent, store them concurrently but keep the
	// provider's asset order.
	assets := make([]core.Asset, len(images))
	g, gctx := errgroup.WithContext(ctx)
	for i, img := range images {
		i, img := i, img
		g.Go(func() error {
			name := fmt.Sprintf("%s.%s", uuid.NewString(), req.Outputs.Format)
			key := storage.Key(orgID, class, req.ProjectID, name)
			if err := p.store.Put(gctx, key, img.Data, storage.ContentTypeFor(req.Outputs.Format)); err != nil {
				return core.NewError(core.KindStorage, "asset write failed", err)
			}
			url, err := p.store.SignedURL(key, signedURLTTL)
			if err != nil {
				return core.NewError(core.KindStorage, "signed URL issuance failed", err)
			}
			assets[i] = core.Asset{
				URL:        url,
				StorageKey: key,
				SynthID:    synthIDFor(model),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.Fail(err)
		return nil, err
	}
	span.SetMeta("stored", len(assets))
	return assets, nil
}

const criticSystemPrompt = `You are a brand compliance reviewer. Score the described design against the plan and constraints as JSON:
{"score":0.0,"violations":[],"repair_suggestions":[]}
Respond with JSON only.`

// critique is best effort: failures are logged and never fail the request.
func (p *Pipeline) critique(ctx context.Context, req *core.RenderRequest, plan *Plan, enf *enforcement) *core.Critique {
	span := spanOn(ctx, "critique")
	defer span.Close()

	resp, err := p.models.Execute(ctx, &provider.Request{
		Task:   provider.TaskCritic,
		System: criticSystemPrompt,
		Prompt: buildGenerationPrompt(req, plan, enf),
	})
	if err != nil {
		span.Fail(err)
		slog.Warn("critique call failed", "project_id", req.ProjectID, "error", err)
		return nil
	}
	var c core.Critique
	if err := provider.ParseJSON(resp.Text, &c); err != nil {
		span.Fail(err)
		slog.Warn("critique output unparseable", "project_id", req.ProjectID, "error", err)
		return nil
	}
	span.SetMeta("score", c.Score)
	return &c
}

// Critique runs the critic standalone for the /critique endpoint.
func (p *Pipeline) Critique(ctx context.Context, orgID, projectID string, assetIDs []string) (*core.Critique, error) {
	if projectID == "" {
		return nil, core.Errorf(core.KindValidation, "project_id is required")
	}
	canon, _ := p.canon.Canon(ctx, orgID, projectID)

	resp, err := p.models.Execute(ctx, &provider.Request{
		Task:   provider.TaskCritic,
		System: criticSystemPrompt,
		Prompt: fmt.Sprintf("Assets: %s\nBrand palette: %s\nFonts: %s\nVoice: %s",
			strings.Join(assetIDs, ", "),
			strings.Join(canon.PaletteHex, ", "),
			strings.Join(canon.Fonts, ", "),
			canon.Voice.Tone),
	})
	if err != nil {
		return nil, err
	}
	var c core.Critique
	if err := provider.ParseJSON(resp.Text, &c); err != nil {
		return nil, core.NewError(core.KindGuardrails, "critique output failed schema validation", err)
	}
	return &c, nil
}

// trackCost charges the trace's accumulated provider cost to the org. The
// call that crosses the budget is the last permitted one, so a budget error
// here is logged, not returned.
func (p *Pipeline) trackCost(ctx context.Context, orgID string, tr *observability.Trace) {
	cost := tr.CostUSD()
	if cost <= 0 {
		return
	}
	route := tr.ModelRoute()
	model := ""
	if len(route) > 0 {
		model = route[len(route)-1]
	}
	if _, err := p.budget.Track(ctx, orgID, cost, model, "render"); err != nil {
		slog.Warn("post-render cost tracking failed", "org_id", orgID, "cost_usd", cost, "error", err)
	}
}

// synthIDFor reports provenance as the provider declares it: Google image
// models embed a SynthID watermark; nothing else makes a claim we can record.
func synthIDFor(model string) core.SynthID {
	return core.SynthID{Present: strings.HasPrefix(model, "google/")}
}

func verifiedBy(model string) core.VerifiedBy {
	if strings.HasPrefix(model, "google/") {
		return core.VerifiedDeclared
	}
	return core.VerifiedNone
}

func spanOn(ctx context.Context, name string) *observability.SpanHandle {
	if tr := observability.FromContext(ctx); tr != nil {
		return tr.StartSpan(name)
	}
	return observability.NewTrace("detached").StartSpan(name)
}
