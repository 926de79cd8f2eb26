package server

import (
	_ "embed"
	"errors"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	legacyrouter "github.com/getkin/kin-openapi/routers/legacy"
	"github.com/gin-gonic/gin"
)

//go:embed openapi.yaml
var openapiSpec []byte

// OpenAPISpec は埋め込まれたOpenAPI定義を返す
func OpenAPISpec() []byte {
	return openapiSpec
}

// requestValidator はOpenAPI定義に沿ってリクエストを検証する
type requestValidator struct {
	router routers.Router
}

func newRequestValidator() (*requestValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiSpec)
	if err != nil {
		return nil, fmt.Errorf("OpenAPI定義の読み込みに失敗: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("OpenAPI定義が不正です: %w", err)
	}

	router, err := legacyrouter.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("OpenAPIルーターの作成に失敗: %w", err)
	}
	return &requestValidator{router: router}, nil
}

// middleware はパスパラメータとリクエストボディを検証するginミドルウェア
// 定義にないパスはそのまま通してginのルーティングに任せる
func (v *requestValidator) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route, params, err := v.router.FindRoute(c.Request)
		if err != nil {
			c.Next()
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: params,
			Route:      route,
		}
		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			if plainTextError(route) {
				c.String(http.StatusBadRequest, validationMessage(err))
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": validationMessage(err)})
			return
		}

		c.Next()
	}
}

// validationMessage は検証エラーをクライアント向けの短い文言にする
func validationMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) && reqErr.Parameter != nil {
		return "Invalid parameter: " + reqErr.Parameter.Name
	}
	return "Invalid parameters"
}

// plainTextError は定義上400をtext/plainで返すルートかを返す
func plainTextError(route *routers.Route) bool {
	if route == nil || route.Operation == nil || route.Operation.Responses == nil {
		return false
	}
	resp := route.Operation.Responses.Status(http.StatusBadRequest)
	if resp == nil || resp.Value == nil {
		return false
	}
	return resp.Value.Content.Get("text/plain") != nil
}
