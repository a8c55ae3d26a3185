package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/LoomNotesLab/loom/backend/internal/auth"
	"github.com/LoomNotesLab/loom/backend/internal/blocks"
	"github.com/LoomNotesLab/loom/backend/internal/pages"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const ownerIDContextKey = "loom_owner_id"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingTokenManager     = errors.New("token manager dependency required")
	errMissingOwnerResolver    = errors.New("owner resolver dependency required")
	errMissingPageStore        = errors.New("page store dependency required")
	errMissingBlockStore       = errors.New("block store dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// SessionAuthenticator validates SSO-issued session tokens.
type SessionAuthenticator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
	CookieName() string
}

// APITokenManager issues and validates API bearer tokens.
type APITokenManager interface {
	IssueAPIToken(ctx context.Context, ownerID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// OwnerResolver maps validated session claims to a canonical owner id.
type OwnerResolver interface {
	ResolveCanonicalOwnerID(claims auth.SessionClaims) (string, error)
}

type Dependencies struct {
	SessionValidator SessionAuthenticator
	TokenManager     APITokenManager
	Owners           OwnerResolver
	PageStore        pages.Store
	BlockStore       blocks.Store
	Realtime         *RealtimeDispatcher
	Clock            func() time.Time
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Owners == nil {
		return nil, errMissingOwnerResolver
	}
	if deps.PageStore == nil {
		return nil, errMissingPageStore
	}
	if deps.BlockStore == nil {
		return nil, errMissingBlockStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:   deps.SessionValidator,
		tokens:     deps.TokenManager,
		owners:     deps.Owners,
		pageStore:  deps.PageStore,
		blockStore: deps.BlockStore,
		realtime:   realtime,
		clock:      clock,
		pageIDs:    pages.NewUUIDProvider(),
		blockIDs:   blocks.NewUUIDProvider(),
		logger:     logger,
	}

	router.POST("/auth/session", handler.handleSessionExchange)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/pages", handler.handleListPages)
	protected.POST("/pages", handler.handleCreatePage)
	protected.GET("/tree", handler.handleTree)
	protected.PATCH("/pages/:pageID", handler.handleUpdatePage)
	protected.POST("/pages/:pageID/move", handler.handleMovePage)
	protected.DELETE("/pages/:pageID", handler.handleDeletePage)
	protected.GET("/pages/:pageID/ancestors", handler.handleAncestors)
	protected.GET("/pages/:pageID/blocks", handler.handleListBlocks)
	protected.POST("/pages/:pageID/blocks", handler.handleCreateBlock)
	protected.PATCH("/pages/:pageID/blocks/:blockID", handler.handleUpdateBlock)
	protected.DELETE("/pages/:pageID/blocks/:blockID", handler.handleDeleteBlock)
	protected.POST("/pages/:pageID/blocks/:blockID/insert-after", handler.handleInsertAfter)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	sessions   SessionAuthenticator
	tokens     APITokenManager
	owners     OwnerResolver
	pageStore  pages.Store
	blockStore blocks.Store
	realtime   *RealtimeDispatcher
	clock      func() time.Time
	pageIDs    pages.IDProvider
	blockIDs   blocks.IDProvider
	logger     *zap.Logger
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleSessionExchange(c *gin.Context) {
	cookie, err := c.Request.Cookie(h.sessions.CookieName())
	if err != nil || cookie == nil || strings.TrimSpace(cookie.Value) == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing_session"})
		return
	}

	claims, err := h.sessions.ValidateToken(cookie.Value)
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ownerID, err := h.owners.ResolveCanonicalOwnerID(claims)
	if err != nil {
		h.logger.Warn("owner resolution failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueAPIToken(c.Request.Context(), ownerID)
	if err != nil {
		h.logger.Error("failed to issue api token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

// authorizeRequest accepts an API bearer token (header or access_token query
// for event streams) and falls back to the session cookie.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token != "" {
		subject, err := h.tokens.ValidateToken(token)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				h.logger.Info("token validation failed", zap.Error(err))
			} else {
				h.logger.Warn("token validation failed", zap.Error(err))
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(ownerIDContextKey, subject)
		c.Next()
		return
	}

	cookie, err := c.Request.Cookie(h.sessions.CookieName())
	if err == nil && cookie != nil && strings.TrimSpace(cookie.Value) != "" {
		claims, err := h.sessions.ValidateToken(cookie.Value)
		if err != nil {
			h.logger.Warn("session validation failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ownerID, err := h.owners.ResolveCanonicalOwnerID(claims)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(ownerIDContextKey, ownerID)
		c.Next()
		return
	}

	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("access_token"))
}

func (h *httpHandler) treeForRequest(c *gin.Context) (*pages.Tree, bool) {
	ownerID, err := pages.NewOwnerID(c.GetString(ownerIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}

	tree, err := pages.NewTree(pages.TreeConfig{
		Store:      h.pageStore,
		Clock:      h.clock,
		IDProvider: h.pageIDs,
		Logger:     h.logger,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return nil, false
	}
	tree.Authenticate(ownerID)
	if err := tree.Refresh(c.Request.Context()); err != nil {
		h.writeServiceError(c, err)
		return nil, false
	}
	return tree, true
}

// listForPage scopes a block list to pageID after confirming the page
// belongs to the request's owner.
func (h *httpHandler) listForPage(c *gin.Context, tree *pages.Tree, pageID string) (*blocks.List, bool) {
	if _, ok := tree.Find(pageID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "page_not_found"})
		return nil, false
	}

	list, err := blocks.NewList(blocks.ListConfig{
		Store:      h.blockStore,
		Clock:      h.clock,
		IDProvider: h.blockIDs,
		Logger:     h.logger,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return nil, false
	}
	if err := list.SetPage(c.Request.Context(), pageID); err != nil {
		h.writeServiceError(c, err)
		return nil, false
	}
	return list, true
}

type pagePayload struct {
	PageID           string  `json:"page_id"`
	Title            string  `json:"title"`
	Icon             string  `json:"icon"`
	CoverImage       string  `json:"cover_image"`
	ParentID         *string `json:"parent_id"`
	IsFavorite       bool    `json:"is_favorite"`
	Position         int     `json:"position"`
	CreatedAtSeconds int64   `json:"created_at_s"`
	UpdatedAtSeconds int64   `json:"updated_at_s"`
}

func renderPage(page pages.Page) pagePayload {
	return pagePayload{
		PageID:           page.PageID,
		Title:            page.Title,
		Icon:             page.Icon,
		CoverImage:       page.CoverImage,
		ParentID:         page.ParentID,
		IsFavorite:       page.IsFavorite,
		Position:         page.Position,
		CreatedAtSeconds: page.CreatedAtSeconds,
		UpdatedAtSeconds: page.UpdatedAtSeconds,
	}
}

func renderPages(rows []pages.Page) []pagePayload {
	result := make([]pagePayload, 0, len(rows))
	for _, page := range rows {
		result = append(result, renderPage(page))
	}
	return result
}

type treeNodePayload struct {
	Page     pagePayload       `json:"page"`
	Depth    int               `json:"depth"`
	Children []treeNodePayload `json:"children"`
}

func renderTreeNodes(nodes []*pages.TreeNode) []treeNodePayload {
	result := make([]treeNodePayload, 0, len(nodes))
	for _, node := range nodes {
		result = append(result, treeNodePayload{
			Page:     renderPage(node.Page),
			Depth:    node.Depth,
			Children: renderTreeNodes(node.Children),
		})
	}
	return result
}

type blockPayload struct {
	BlockID          string `json:"block_id"`
	PageID           string `json:"page_id"`
	Type             string `json:"type"`
	Content          string `json:"content"`
	Checked          bool   `json:"checked"`
	Position         int    `json:"position"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

func renderBlock(block blocks.Block) blockPayload {
	return blockPayload{
		BlockID:          block.BlockID,
		PageID:           block.PageID,
		Type:             string(block.Type),
		Content:          block.Content,
		Checked:          block.Checked,
		Position:         block.Position,
		CreatedAtSeconds: block.CreatedAtSeconds,
		UpdatedAtSeconds: block.UpdatedAtSeconds,
	}
}

func renderBlocks(rows []blocks.Block) []blockPayload {
	result := make([]blockPayload, 0, len(rows))
	for _, block := range rows {
		result = append(result, renderBlock(block))
	}
	return result
}

func (h *httpHandler) handleListPages(c *gin.Context) {
	tree, ok := h.treeForRequest(c)
	if !ok {
		return
	}

	rows := tree.List()
	if c.Query("favorite") == "true" {
		favorites := make([]pages.Page, 0, len(rows))
		for _, page := range rows {
			if page.IsFavorite {
				favorites = append(favorites, page)
			}
		}
		rows = favorites
	}

	c.JSON(http.StatusOK, gin.H{"pages": renderPages(rows)})
}

func (h *httpHandler) handleTree(c *gin.Context) {
	tree, ok := h.treeForRequest(c)
	if !ok {
		return
	}

	var rootID *string
	if root := strings.TrimSpace(c.Query("root")); root != "" {
		if _, found := tree.Find(root); !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "page_not_found"})
			return
		}
		rootID = &root
	}

	c.JSON(http.StatusOK, gin.H{"tree": renderTreeNodes(tree.BuildTree(rootID))})
}

type createPagePayload struct {
	Title    string  `json:"title"`
	ParentID *string `json:"parent_id"`
}

func (h *httpHandler) handleCreatePage(c *gin.Context) {
	tree, ok := h.treeForRequest(c)
	if !ok {
		return
	}

	var request createPagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.ParentID != nil {
		if _, found := tree.Find(*request.ParentID); !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "parent_not_found"})
			return
		}
	}

	page, err := tree.Create(c.Request.Context(), request.Title, request.ParentID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	h.publishPageChange(tree.Owner(), page.PageID)
	c.JSON(http.StatusCreated, gin.H{"page": renderPage(*page)})
}

func (h *httpHandler) handleUpdatePage(c *gin.Context) {
	tree, ok := h.treeForRequest(c)
	if !ok {
		return
	}

	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil || len(fields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	pageID := c.Param("pageID")
	page, err := tree.Update(c.Request.Context(), pageID, fields)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	h.publishPageChange(tree.Owner(), page.PageID)
	c.JSON(http.StatusOK, gin.H{"page": renderPage(*page)})
}

type movePagePayload struct {
	ParentID *string `json:"parent_id"`
}

func (h *httpHandler) handleMovePage(c *gin.Context) {
	tree, ok := h.treeForRequest(c)
	if !ok {
		return
	}

	var request movePagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.ParentID != nil {
		if _, found := tree.Find(*request.ParentID); !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "parent_not_found"})
			return
		}
	}

	pageID := c.Param("pageID")
	page, err := tree.Move(c.Request.Context(), pageID, request.ParentID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	h.publishPageChange(tree.Owner(), page.PageID)
	c.JSON(http.StatusOK, gin.H{"page": renderPage(*page)})
}

func (h *httpHandler) handleDeletePage(c *gin.Context) {
	tree, ok := h.treeForRequest(c)
	if !ok {
		return
	}

	pageID := c.Param("pageID")
	affected := []string{pageID}
	for descendantID := range tree.DescendantIDs(pageID) {
		affected = append(affected, descendantID)
	}

	if err := tree.Delete(c.Request.Context(), pageID); err != nil {
		h.writeServiceError(c, err)
		return
	}

	h.publishPageChange(tree.Owner(), affected...)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAncestors(c *gin.Context) {
	tree, ok := h.treeForRequest(c)
	if !ok {
		return
	}

	pageID := c.Param("pageID")
	if _, found := tree.Find(pageID); !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "page_not_found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ancestors": renderPages(tree.AncestorsOf(pageID))})
}

func (h *httpHandler) handleListBlocks(c *gin.Context) {
	tree, ok := h.treeForRequest(c)
	if !ok {
		return
	}
	list, ok := h.listForPage(c, tree, c.Param("pageID"))
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{"blocks": renderBlocks(list.List())})
}

type createBlockPayload struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	Position *int   `json:"position"`
}

func (h *httpHandler) handleCreateBlock(c *gin.Context) {
	tree, ok := h.treeForRequest(c)
	if !ok {
		return
	}
	list, ok := h.listForPage(c, tree, c.Param("pageID"))
	if !ok {
		return
	}

	var request createBlockPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	blockType, err := blocks.ParseType(request.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_block_type"})
		return
	}

	block, err := list.Create(c.Request.Context(), blockType, request.Content, request.Position)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	h.publishBlockChange(tree.Owner(), block.PageID)
	c.JSON(http.StatusCreated, gin.H{"block": renderBlock(*block)})
}

func (h *httpHandler) handleUpdateBlock(c *gin.Context) {
	tree, ok := h.treeForRequest(c)
	if !ok {
		return
	}
	list, ok := h.listForPage(c, tree, c.Param("pageID"))
	if !ok {
		return
	}

	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil || len(fields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	block, err := list.Update(c.Request.Context(), c.Param("blockID"), fields)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	h.publishBlockChange(tree.Owner(), block.PageID)
	c.JSON(http.StatusOK, gin.H{"block": renderBlock(*block)})
}

func (h *httpHandler) handleDeleteBlock(c *gin.Context) {
	tree, ok := h.treeForRequest(c)
	if !ok {
		return
	}
	list, ok := h.listForPage(c, tree, c.Param("pageID"))
	if !ok {
		return
	}

	if err := list.Delete(c.Request.Context(), c.Param("blockID")); err != nil {
		h.writeServiceError(c, err)
		return
	}

	h.publishBlockChange(tree.Owner(), list.PageID())
	c.Status(http.StatusNoContent)
}

type insertAfterPayload struct {
	Type string `json:"type"`
}

func (h *httpHandler) handleInsertAfter(c *gin.Context) {
	tree, ok := h.treeForRequest(c)
	if !ok {
		return
	}
	list, ok := h.listForPage(c, tree, c.Param("pageID"))
	if !ok {
		return
	}

	var request insertAfterPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	blockType, err := blocks.ParseType(request.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_block_type"})
		return
	}

	block, err := list.InsertAfter(c.Request.Context(), c.Param("blockID"), blockType)
	if err != nil && block == nil {
		h.writeServiceError(c, err)
		return
	}

	h.publishBlockChange(tree.Owner(), list.PageID())
	if err != nil {
		// The new block exists but some siblings kept their old position.
		h.logger.Warn("block insert completed with partial reorder", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"block": renderBlock(*block), "warning": "reorder_incomplete"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"block": renderBlock(*block)})
}

type realtimeEventPayload struct {
	PageIDs   []string `json:"pageIds,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)
	if ownerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), ownerID)
	defer cleanup()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeEventPayload{Timestamp: h.clock().UTC().Unix()})
			flusher.Flush()
		case message, open := <-stream:
			if !open {
				return
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				PageIDs:   message.PageIDs,
				Timestamp: message.Timestamp.UTC().Unix(),
			})
			flusher.Flush()
		}
	}
}

func (h *httpHandler) publishPageChange(ownerID string, pageIDs ...string) {
	h.realtime.Publish(RealtimeMessage{
		OwnerID:   ownerID,
		EventType: RealtimeEventPageChanged,
		PageIDs:   pageIDs,
		Timestamp: h.clock().UTC(),
	})
}

func (h *httpHandler) publishBlockChange(ownerID string, pageID string) {
	h.realtime.Publish(RealtimeMessage{
		OwnerID:   ownerID,
		EventType: RealtimeEventBlockChanged,
		PageIDs:   []string{pageID},
		Timestamp: h.clock().UTC(),
	})
}

type coded interface {
	error
	Code() string
}

func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pages.ErrNotAuthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, pages.ErrNotFound), errors.Is(err, blocks.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, pages.ErrInvalidMove):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_move"})
	case errors.Is(err, pages.ErrInvalidField),
		errors.Is(err, blocks.ErrInvalidField),
		errors.Is(err, blocks.ErrInvalidType),
		errors.Is(err, blocks.ErrNoPageSelected):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		var codedErr coded
		if errors.As(err, &codedErr) {
			h.logger.Error("request failed", zap.String("code", codedErr.Code()), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": codedErr.Code()})
			return
		}
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
