package provision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/remedyhq/remedy/internal/sandbox"
)

type fakeAPI struct {
	created []sandbox.CreateSpec
	cloned  map[string]sandbox.CloneSpec
	envs    map[string]sandbox.Environment

	createErrOn string // role label that fails on Create
	cloneErrOn  string // env ID that fails on Clone
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		cloned: make(map[string]sandbox.CloneSpec),
		envs:   make(map[string]sandbox.Environment),
	}
}

func (f *fakeAPI) Create(_ context.Context, spec sandbox.CreateSpec) (sandbox.Environment, error) {
	if f.createErrOn != "" && spec.Labels["role"] == f.createErrOn {
		return sandbox.Environment{}, errors.New("capacity exhausted")
	}
	f.created = append(f.created, spec)
	env := sandbox.Environment{ID: "env-" + spec.Labels["role"], Name: spec.Name, State: "running", Labels: spec.Labels}
	f.envs[env.ID] = env
	return env, nil
}

func (f *fakeAPI) Get(_ context.Context, envID string) (sandbox.Environment, error) {
	env, ok := f.envs[envID]
	if !ok {
		return sandbox.Environment{}, errors.New("not found")
	}
	return env, nil
}

func (f *fakeAPI) Clone(_ context.Context, envID string, spec sandbox.CloneSpec) error {
	if envID == f.cloneErrOn {
		return errors.New("clone failed")
	}
	f.cloned[envID] = spec
	return nil
}

func (f *fakeAPI) PreviewLink(_ context.Context, envID string, port int) (sandbox.Preview, error) {
	return sandbox.Preview{URL: "https://preview/" + envID, Token: "tok"}, nil
}

func testRequest() Request {
	return Request{
		IssueNumber:   42,
		Owner:         "acme",
		Repo:          "shop",
		CloneURL:      "https://github.com/acme/shop.git",
		DefaultBranch: "main",
		Token:         "ghs_install_token",
	}
}

func TestCreatePair_ProvisionsBothWithRoles(t *testing.T) {
	api := newFakeAPI()
	p := New(api, "base-node", "agent-key", nil)

	pair, err := p.CreatePair(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pair.Before.ID != "env-before" || pair.After.ID != "env-after" {
		t.Errorf("pair = %q/%q", pair.Before.ID, pair.After.ID)
	}
	if len(api.created) != 2 {
		t.Fatalf("created %d environments, want 2", len(api.created))
	}
	if api.created[0].Labels["role"] != RoleBefore || api.created[1].Labels["role"] != RoleAfter {
		t.Errorf("roles out of order: %v, %v", api.created[0].Labels, api.created[1].Labels)
	}
	for _, spec := range api.created {
		if spec.Snapshot != "base-node" {
			t.Errorf("snapshot = %q", spec.Snapshot)
		}
		if spec.Labels["repository"] != "acme/shop" || spec.Labels["issue"] != "42" {
			t.Errorf("labels = %v", spec.Labels)
		}
	}
}

func TestCreatePair_AgentKeyOnlyInAfter(t *testing.T) {
	api := newFakeAPI()
	p := New(api, "base-node", "agent-key", nil)

	if _, err := p.CreatePair(context.Background(), testRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, leaked := api.created[0].EnvVars["ANTHROPIC_API_KEY"]; leaked {
		t.Error("agent key injected into BEFORE environment")
	}
	if api.created[1].EnvVars["ANTHROPIC_API_KEY"] != "agent-key" {
		t.Error("agent key missing from AFTER environment")
	}
}

func TestCreatePair_ClonesWithTokenForGitHub(t *testing.T) {
	api := newFakeAPI()
	p := New(api, "base-node", "", nil)

	if _, err := p.CreatePair(context.Background(), testRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	spec := api.cloned["env-before"]
	if spec.Username != "x-access-token" || spec.Token != "ghs_install_token" {
		t.Errorf("clone auth = %q/%q", spec.Username, spec.Token)
	}
	if spec.DestPath != "/home/user/shop" {
		t.Errorf("DestPath = %q", spec.DestPath)
	}
}

func TestCreatePair_AnonymousCloneForUnknownHost(t *testing.T) {
	api := newFakeAPI()
	p := New(api, "base-node", "", nil)

	req := testRequest()
	req.CloneURL = "https://git.example.com/acme/shop.git"
	if _, err := p.CreatePair(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	spec := api.cloned["env-before"]
	if spec.Username != "" || spec.Token != "" {
		t.Errorf("token sent to unrecognized host: %q/%q", spec.Username, spec.Token)
	}
}

func TestCreatePair_BeforeFailureAbortsPair(t *testing.T) {
	api := newFakeAPI()
	api.createErrOn = RoleBefore
	p := New(api, "base-node", "", nil)

	pair, err := p.CreatePair(context.Background(), testRequest())
	var provErr *Error
	if !errors.As(err, &provErr) || provErr.Role != RoleBefore {
		t.Fatalf("err = %v, want *Error with role before", err)
	}
	if pair.Before.ID != "" {
		t.Errorf("Before = %q, want empty", pair.Before.ID)
	}
	if len(api.created) != 0 {
		t.Errorf("AFTER attempted despite BEFORE failure: %v", api.created)
	}
}

func TestCreatePair_AfterFailureSurfacesPartialPair(t *testing.T) {
	api := newFakeAPI()
	api.createErrOn = RoleAfter
	p := New(api, "base-node", "", nil)

	pair, err := p.CreatePair(context.Background(), testRequest())
	var provErr *Error
	if !errors.As(err, &provErr) || provErr.Role != RoleAfter {
		t.Fatalf("err = %v, want *Error with role after", err)
	}
	if pair.Before.ID != "env-before" {
		t.Errorf("Before = %q, want env-before preserved for the record", pair.Before.ID)
	}
}

func TestWaitRunning_ReturnsOnceRunning(t *testing.T) {
	api := newFakeAPI()
	p := New(api, "base-node", "", nil)
	if _, err := p.CreatePair(context.Background(), testRequest()); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := p.WaitRunning(context.Background(), "env-before", time.Second); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
