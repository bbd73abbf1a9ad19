package render

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sgd/backend/internal/budget"
	"github.com/sgd/backend/internal/cache"
	"github.com/sgd/backend/internal/core"
	"github.com/sgd/backend/internal/infra"
	"github.com/sgd/backend/internal/observability"
	"github.com/sgd/backend/internal/provider"
	"github.com/sgd/backend/internal/storage"
)

const validPlan = `{"concept":"modern tech banner","composition":"centered","elements":["logo","headline"],"palette_hex":["#0044CC"],"style":"flat"}`

// stubModels answers per task and mimics the real client's trace recording so
// cost accounting behaves as in production.
type stubModels struct {
	planText    string
	criticText  string
	imageModel  string
	imageCount  int
	callCostUSD float64

	planCalls   int
	imageCalls  int
	criticCalls int
	lastWidth   int
	lastHeight  int
	lastPrompt  string
}

func newStubModels() *stubModels {
	return &stubModels{
		planText:    validPlan,
		criticText:  `{"score":0.9,"violations":[],"repair_suggestions":[]}`,
		imageModel:  "google/gemini-2.5-flash-image",
		imageCount:  -1, // -1 means honor the requested count
		callCostUSD: 0.01,
	}
}

func (s *stubModels) Execute(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	resp := &provider.Response{Model: "stub-model", CostUSD: s.callCostUSD}
	switch req.Task {
	case provider.TaskPlanner:
		s.planCalls++
		resp.Text = s.planText
	case provider.TaskCritic:
		s.criticCalls++
		resp.Text = s.criticText
	case provider.TaskImage:
		s.imageCalls++
		s.lastWidth, s.lastHeight = req.Width, req.Height
		s.lastPrompt = req.Prompt
		resp.Model = s.imageModel
		n := s.imageCount
		if n < 0 {
			n = req.Count
		}
		for i := 0; i < n; i++ {
			resp.Images = append(resp.Images, provider.Image{Data: []byte{0x89, 'P', 'N', 'G'}, Format: req.Format})
		}
	}
	if tr := observability.FromContext(ctx); tr != nil {
		tr.RecordLLMCall(string(req.Task), resp.Model, req.Prompt, resp.Text, 10, 5, 0, resp.CostUSD)
	}
	return resp, nil
}

type stubCanon struct {
	canon   *core.BrandCanon
	derived bool
}

func (s *stubCanon) Canon(_ context.Context, _, _ string) (*core.BrandCanon, bool) {
	if s.canon == nil {
		return core.DefaultCanon(), false
	}
	return s.canon, s.derived
}

type fixture struct {
	pipeline *Pipeline
	models   *stubModels
	store    *storage.MemoryStore
	budget   *budget.Controller
	canon    *stubCanon
}

func newFixture(t *testing.T, dailyBudget float64) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	adapter := infra.NewRedisAdapterFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	f := &fixture{
		models: newStubModels(),
		store:  storage.NewMemoryStore(),
		budget: budget.NewController(adapter, dailyBudget, nil, nil),
		canon: &stubCanon{
			canon: &core.BrandCanon{
				PaletteHex:      []string{"#0044CC", "#FFFFFF"},
				Fonts:           []string{"Inter"},
				Voice:           core.Voice{Tone: "confident"},
				LogoSafeZonePct: 10,
			},
			derived: true,
		},
	}
	f.pipeline = New(f.models, cache.New(adapter, nil), f.store, f.canon, f.budget, nil)
	return f
}

func bannerRequest() *core.RenderRequest {
	return &core.RenderRequest{
		ProjectID: "p1",
		Prompts: core.Prompts{
			Task:        core.TaskCreate,
			Instruction: "Create a modern banner for a tech startup with blue color scheme",
		},
		Outputs: core.Outputs{Count: 1, Format: core.FormatPNG, Dimensions: "512x512"},
	}
}

func TestRender_HappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)

	result, err := f.pipeline.Render(ctx, "org-1", bannerRequest(), ModeFinal)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(result.Assets) != 1 {
		t.Fatalf("assets=%d, want 1", len(result.Assets))
	}

	asset := result.Assets[0]
	if !strings.HasPrefix(asset.StorageKey, "org/org-1/renders/p1/") ||
		!strings.HasSuffix(asset.StorageKey, ".png") {
		t.Errorf("storage key layout wrong: %s", asset.StorageKey)
	}
	if !strings.Contains(asset.URL, "signature=") {
		t.Errorf("asset URL must be signed: %s", asset.URL)
	}
	if ok, _ := f.store.Exists(ctx, asset.StorageKey); !ok {
		t.Error("asset bytes not persisted")
	}

	if result.Audit.TraceID == "" || result.Audit.CostUSD <= 0 {
		t.Errorf("audit incomplete: %+v", result.Audit)
	}
	if !result.Audit.GuardrailsOK {
		t.Error("derived canon with no violations must set guardrails_ok")
	}
	if !asset.SynthID.Present || result.Audit.VerifiedBy != core.VerifiedDeclared {
		t.Errorf("google image model declares synthid: %+v", asset.SynthID)
	}
	if f.models.criticCalls != 1 {
		t.Errorf("critique should run once, ran %d", f.models.criticCalls)
	}
}

func TestRender_BannedTermShortCircuits(t *testing.T) {
	f := newFixture(t, 100)
	req := bannerRequest()
	req.Prompts.Instruction = "Create a banner glorifying violence in the workplace"

	_, err := f.pipeline.Render(context.Background(), "org-1", req, ModeFinal)
	if !core.IsKind(err, core.KindContentPolicy) {
		t.Fatalf("expected content-policy rejection, got %v", err)
	}
	if f.models.planCalls+f.models.imageCalls != 0 {
		t.Error("no provider call may happen after a policy rejection")
	}
}

func TestRender_BudgetPrecheckBlocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1.00)
	// Exhaust the budget: the crossing call is permitted, the next refused.
	if _, err := f.budget.Track(ctx, "org-1", 1.00, "m", "seed"); err != nil {
		t.Fatal(err)
	}

	_, err := f.pipeline.Render(ctx, "org-1", bannerRequest(), ModeFinal)
	var budgetErr *core.Error
	if !core.IsKind(err, core.KindBudget) || !asCoreError(err, &budgetErr) {
		t.Fatalf("expected budget refusal, got %v", err)
	}
	if budgetErr.RetryAfter <= 0 || budgetErr.RetryAfter > 86400 {
		t.Errorf("Retry-After out of range: %d", budgetErr.RetryAfter)
	}
	if f.models.planCalls != 0 {
		t.Error("budget precheck must run before any provider call")
	}
}

func TestRender_CrossingCallIsLastPermitted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1.00)
	if _, err := f.budget.Track(ctx, "org-1", 0.99, "m", "seed"); err != nil {
		t.Fatal(err)
	}
	f.models.callCostUSD = 0.05

	// Spend is 0.99 < budget: this render runs and its cost crosses the cap.
	if _, err := f.pipeline.Render(ctx, "org-1", bannerRequest(), ModeFinal); err != nil {
		t.Fatalf("crossing render must succeed: %v", err)
	}

	// The next one is refused at the precheck.
	req := bannerRequest()
	req.Prompts.Instruction = "Create a completely different banner about autumn colors"
	if _, err := f.pipeline.Render(ctx, "org-1", req, ModeFinal); !core.IsKind(err, core.KindBudget) {
		t.Fatalf("post-cap render must be refused, got %v", err)
	}
}

func TestRender_UnparseablePlanIsGuardrailsError(t *testing.T) {
	f := newFixture(t, 100)
	f.models.planText = "I would suggest a lovely banner with no JSON whatsoever"

	_, err := f.pipeline.Render(context.Background(), "org-1", bannerRequest(), ModeFinal)
	if !core.IsKind(err, core.KindGuardrails) {
		t.Fatalf("expected guardrails error, got %v", err)
	}
}

func TestRender_FencedPlanIsRescued(t *testing.T) {
	f := newFixture(t, 100)
	f.models.planText = "Here is the plan:\n```json\n" + validPlan + "\n```\nLet me know!"

	if _, err := f.pipeline.Render(context.Background(), "org-1", bannerRequest(), ModeFinal); err != nil {
		t.Fatalf("fenced JSON must parse: %v", err)
	}
}

func TestRender_ZeroImagesFails(t *testing.T) {
	f := newFixture(t, 100)
	f.models.imageCount = 0

	_, err := f.pipeline.Render(context.Background(), "org-1", bannerRequest(), ModeFinal)
	if !core.IsKind(err, core.KindImageGen) {
		t.Fatalf("expected image-generation error, got %v", err)
	}
}

func TestRender_PreviewMode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	req := bannerRequest()
	req.Outputs.Count = 4

	result, err := f.pipeline.Render(ctx, "org-1", req, ModePreview)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Assets) != 1 {
		t.Fatalf("preview produces one asset, got %d", len(result.Assets))
	}
	if !strings.HasPrefix(result.Assets[0].StorageKey, "org/org-1/previews/p1/") {
		t.Errorf("preview must land under previews/: %s", result.Assets[0].StorageKey)
	}
	if f.models.lastWidth != 256 || f.models.lastHeight != 256 {
		t.Errorf("preview dims should halve: %dx%d", f.models.lastWidth, f.models.lastHeight)
	}
	if f.models.criticCalls != 0 {
		t.Error("previews skip the critique")
	}
}

func TestRender_PlanCachedAcrossRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)

	if _, err := f.pipeline.Render(ctx, "org-1", bannerRequest(), ModeFinal); err != nil {
		t.Fatal(err)
	}
	if _, err := f.pipeline.Render(ctx, "org-1", bannerRequest(), ModeFinal); err != nil {
		t.Fatal(err)
	}
	if f.models.planCalls != 1 {
		t.Errorf("identical request must reuse the cached plan, planner ran %d times", f.models.planCalls)
	}
}

func TestRender_DefaultCanonClearsGuardrails(t *testing.T) {
	f := newFixture(t, 100)
	f.canon.canon = nil // lookup falls back to the default canon

	result, err := f.pipeline.Render(context.Background(), "org-1", bannerRequest(), ModeFinal)
	if err != nil {
		t.Fatal(err)
	}
	if result.Audit.GuardrailsOK {
		t.Error("default-canon renders must report guardrails_ok=false")
	}
}

func TestRender_CanonWinsAndViolationsRecorded(t *testing.T) {
	f := newFixture(t, 100)
	req := bannerRequest()
	req.Constraints.PaletteHex = []string{"#FF00FF"} // not in canon

	result, err := f.pipeline.Render(context.Background(), "org-1", req, ModeFinal)
	if err != nil {
		t.Fatal(err)
	}
	if result.Audit.GuardrailsOK {
		t.Error("off-canon color must clear guardrails_ok")
	}
	// The generation prompt restates the canon palette, not the violation.
	if !strings.Contains(f.models.lastPrompt, "#0044CC") {
		t.Errorf("prompt must restate canon palette:\n%s", f.models.lastPrompt)
	}
}

func asCoreError(err error, target **core.Error) bool {
	e, ok := err.(*core.Error)
	if ok {
		*target = e
	}
	return ok
}
