package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"bitbucket.org/mmdatafocus/ge_backend/models"
	"bitbucket.org/mmdatafocus/ge_backend/utils"
)

func newAuthRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware())
	r.GET("/open", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/me", RequireActor(), func(c *gin.Context) {
		actor, _ := models.ActorFromContext(c.Request.Context())
		c.JSON(http.StatusOK, actor)
	})
	r.GET("/ops", RequireRole(models.RoleAdmin), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func serve(r *gin.Engine, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	r := newAuthRouter()
	token, err := utils.JwtGenerate(5, "Mya Mya", []string{"FinanceClerk", "FinanceClerk"})
	if err != nil {
		t.Fatalf("JwtGenerate: %v", err)
	}

	if w := serve(r, "/open", ""); w.Code != http.StatusNoContent {
		t.Fatalf("anonymous open route: got %d", w.Code)
	}
	if w := serve(r, "/me", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous /me: expected 401, got %d", w.Code)
	}
	if w := serve(r, "/me", "Bearer not-a-token"); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", w.Code)
	}
	if w := serve(r, "/me", token); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing Bearer prefix: expected 401, got %d", w.Code)
	}

	w := serve(r, "/me", "Bearer "+token)
	if w.Code != http.StatusOK {
		t.Fatalf("valid token: expected 200, got %d", w.Code)
	}
	want := `{"id":5,"name":"Mya Mya","roles":["FinanceClerk"]}`
	if w.Body.String() != want {
		t.Fatalf("expected %s, got %s", want, w.Body.String())
	}

	if w := serve(r, "/ops", "Bearer "+token); w.Code != http.StatusForbidden {
		t.Fatalf("non-admin ops: expected 403, got %d", w.Code)
	}
	admin, _ := utils.JwtGenerate(9, "Ops", []string{"Admin"})
	if w := serve(r, "/ops", "Bearer "+admin); w.Code != http.StatusNoContent {
		t.Fatalf("admin ops: expected 204, got %d", w.Code)
	}
}
