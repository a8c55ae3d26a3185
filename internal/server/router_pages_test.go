package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/LoomNotesLab/loom/backend/internal/auth"
	"github.com/LoomNotesLab/loom/backend/internal/blocks"
	"github.com/LoomNotesLab/loom/backend/internal/pages"
	"github.com/LoomNotesLab/loom/backend/internal/store"
	"github.com/LoomNotesLab/loom/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type routerFixture struct {
	handler http.Handler
	issuer  *auth.TokenIssuer
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:router_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&pages.Page{}, &blocks.Block{}, &users.Identity{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "loom-auth",
		Audience:      "loom-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte("session-signing-secret"),
		Issuer:        "tauth",
		CookieName:    "app_session",
	})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}
	owners, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct owner service: %v", err)
	}

	recordStore := store.NewGormStore(db)
	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		TokenManager:     issuer,
		Owners:           owners,
		PageStore:        recordStore,
		BlockStore:       recordStore,
		Realtime:         NewRealtimeDispatcher(),
		Logger:           zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return &routerFixture{handler: handler, issuer: issuer}
}

func (f *routerFixture) token(t *testing.T, ownerID string) string {
	t.Helper()
	token, _, err := f.issuer.IssueAPIToken(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (f *routerFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewBuffer(encoded)
	} else {
		reader = bytes.NewBuffer(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func (f *routerFixture) createPage(t *testing.T, token, title string, parentID *string) pagePayload {
	t.Helper()
	recorder := f.do(t, http.MethodPost, "/pages", token, createPagePayload{Title: title, ParentID: parentID})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected create status: %d body %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		Page pagePayload `json:"page"`
	}
	decodeBody(t, recorder, &response)
	return response.Page
}

func TestProtectedRoutesRequireAuthorization(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := fixture.do(t, http.MethodGet, "/pages", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestPageLifecycleOverHTTP(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.token(t, "user-123")

	first := fixture.createPage(t, token, "Projects", nil)
	second := fixture.createPage(t, token, "", nil)
	child := fixture.createPage(t, token, "Roadmap", &first.PageID)

	if second.Title != pages.DefaultTitle {
		t.Fatalf("expected default title, got %q", second.Title)
	}
	if child.ParentID == nil || *child.ParentID != first.PageID {
		t.Fatalf("unexpected child parent: %v", child.ParentID)
	}

	listRecorder := fixture.do(t, http.MethodGet, "/pages", token, nil)
	if listRecorder.Code != http.StatusOK {
		t.Fatalf("unexpected list status: %d", listRecorder.Code)
	}
	var listResponse struct {
		Pages []pagePayload `json:"pages"`
	}
	decodeBody(t, listRecorder, &listResponse)
	if len(listResponse.Pages) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(listResponse.Pages))
	}

	treeRecorder := fixture.do(t, http.MethodGet, "/tree", token, nil)
	if treeRecorder.Code != http.StatusOK {
		t.Fatalf("unexpected tree status: %d", treeRecorder.Code)
	}
	var treeResponse struct {
		Tree []treeNodePayload `json:"tree"`
	}
	decodeBody(t, treeRecorder, &treeResponse)
	if len(treeResponse.Tree) != 2 {
		t.Fatalf("expected 2 roots, got %d", len(treeResponse.Tree))
	}
	if treeResponse.Tree[0].Page.PageID != first.PageID || len(treeResponse.Tree[0].Children) != 1 {
		t.Fatalf("unexpected tree shape: %+v", treeResponse.Tree)
	}

	renameRecorder := fixture.do(t, http.MethodPatch, "/pages/"+second.PageID, token, map[string]any{
		"title":       "Inbox",
		"is_favorite": true,
	})
	if renameRecorder.Code != http.StatusOK {
		t.Fatalf("unexpected rename status: %d body %s", renameRecorder.Code, renameRecorder.Body.String())
	}

	favoriteRecorder := fixture.do(t, http.MethodGet, "/pages?favorite=true", token, nil)
	decodeBody(t, favoriteRecorder, &listResponse)
	if len(listResponse.Pages) != 1 || listResponse.Pages[0].Title != "Inbox" {
		t.Fatalf("unexpected favorite filter result: %+v", listResponse.Pages)
	}

	ancestorsRecorder := fixture.do(t, http.MethodGet, "/pages/"+child.PageID+"/ancestors", token, nil)
	if ancestorsRecorder.Code != http.StatusOK {
		t.Fatalf("unexpected ancestors status: %d", ancestorsRecorder.Code)
	}
	var ancestorsResponse struct {
		Ancestors []pagePayload `json:"ancestors"`
	}
	decodeBody(t, ancestorsRecorder, &ancestorsResponse)
	if len(ancestorsResponse.Ancestors) != 1 || ancestorsResponse.Ancestors[0].PageID != first.PageID {
		t.Fatalf("unexpected ancestors: %+v", ancestorsResponse.Ancestors)
	}

	cycleRecorder := fixture.do(t, http.MethodPost, "/pages/"+first.PageID+"/move", token, movePagePayload{ParentID: &child.PageID})
	if cycleRecorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for cycle move, got %d", cycleRecorder.Code)
	}

	deleteRecorder := fixture.do(t, http.MethodDelete, "/pages/"+first.PageID, token, nil)
	if deleteRecorder.Code != http.StatusNoContent {
		t.Fatalf("unexpected delete status: %d", deleteRecorder.Code)
	}

	afterDelete := fixture.do(t, http.MethodGet, "/pages", token, nil)
	decodeBody(t, afterDelete, &listResponse)
	if len(listResponse.Pages) != 1 || listResponse.Pages[0].PageID != second.PageID {
		t.Fatalf("expected cascade to leave only the second root, got %+v", listResponse.Pages)
	}
}

func TestBlockEndpointsOverHTTP(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.token(t, "user-123")
	page := fixture.createPage(t, token, "Doc", nil)
	blocksPath := "/pages/" + page.PageID + "/blocks"

	var created []blockPayload
	for _, content := range []string{"zero", "one", "two"} {
		recorder := fixture.do(t, http.MethodPost, blocksPath, token, createBlockPayload{Type: "paragraph", Content: content})
		if recorder.Code != http.StatusCreated {
			t.Fatalf("unexpected block create status: %d body %s", recorder.Code, recorder.Body.String())
		}
		var response struct {
			Block blockPayload `json:"block"`
		}
		decodeBody(t, recorder, &response)
		created = append(created, response.Block)
	}

	insertRecorder := fixture.do(t, http.MethodPost, blocksPath+"/"+created[1].BlockID+"/insert-after", token, insertAfterPayload{Type: "todo"})
	if insertRecorder.Code != http.StatusCreated {
		t.Fatalf("unexpected insert status: %d body %s", insertRecorder.Code, insertRecorder.Body.String())
	}
	var insertResponse struct {
		Block blockPayload `json:"block"`
	}
	decodeBody(t, insertRecorder, &insertResponse)
	if insertResponse.Block.Position != 2 {
		t.Fatalf("expected inserted position 2, got %d", insertResponse.Block.Position)
	}

	listRecorder := fixture.do(t, http.MethodGet, blocksPath, token, nil)
	var listResponse struct {
		Blocks []blockPayload `json:"blocks"`
	}
	decodeBody(t, listRecorder, &listResponse)
	wantOrder := []string{created[0].BlockID, created[1].BlockID, insertResponse.Block.BlockID, created[2].BlockID}
	if len(listResponse.Blocks) != len(wantOrder) {
		t.Fatalf("expected %d blocks, got %d", len(wantOrder), len(listResponse.Blocks))
	}
	for index, wantID := range wantOrder {
		if listResponse.Blocks[index].BlockID != wantID {
			t.Fatalf("unexpected block at index %d: got %s, want %s", index, listResponse.Blocks[index].BlockID, wantID)
		}
	}

	checkRecorder := fixture.do(t, http.MethodPatch, blocksPath+"/"+insertResponse.Block.BlockID, token, map[string]any{"checked": true})
	if checkRecorder.Code != http.StatusOK {
		t.Fatalf("unexpected check status: %d body %s", checkRecorder.Code, checkRecorder.Body.String())
	}
	var checkResponse struct {
		Block blockPayload `json:"block"`
	}
	decodeBody(t, checkRecorder, &checkResponse)
	if !checkResponse.Block.Checked {
		t.Fatal("expected checked state to flip")
	}

	badTypeRecorder := fixture.do(t, http.MethodPost, blocksPath, token, createBlockPayload{Type: "gallery"})
	if badTypeRecorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", badTypeRecorder.Code)
	}

	deleteRecorder := fixture.do(t, http.MethodDelete, blocksPath+"/"+created[0].BlockID, token, nil)
	if deleteRecorder.Code != http.StatusNoContent {
		t.Fatalf("unexpected block delete status: %d", deleteRecorder.Code)
	}
}

func TestBlockRoutesRejectForeignPages(t *testing.T) {
	fixture := newRouterFixture(t)
	ownerToken := fixture.token(t, "user-123")
	intruderToken := fixture.token(t, "user-456")

	page := fixture.createPage(t, ownerToken, "Private", nil)

	recorder := fixture.do(t, http.MethodGet, "/pages/"+page.PageID+"/blocks", intruderToken, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign page, got %d", recorder.Code)
	}
}

func TestTreeUnknownRootReturnsNotFound(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.token(t, "user-123")

	recorder := fixture.do(t, http.MethodGet, "/tree?root=missing", token, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown root, got %d", recorder.Code)
	}
}
