package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
)

// errorKinds documents which taxonomy kind each error status carries.
var errorKinds = map[int]string{
	http.StatusBadRequest:          "ValidationError",
	http.StatusForbidden:           "PermissionDenied",
	http.StatusNotFound:            "NotFound",
	http.StatusConflict:            "InvalidTransition",
	http.StatusUnprocessableEntity: "PreconditionFailed",
}

func registerDocs(r chi.Router, basePath string, auth AuthConfig) {
	page := docsPage(basePath, auth)
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, page)
	})
}

// registerOpenAPI serves the document with the envelope and auth schemes
// filled in. It is built on first request, after every route is registered.
func registerOpenAPI(r chi.Router, api huma.API, basePath string, auth AuthConfig) {
	var doc []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if doc == nil {
			oas := api.OpenAPI()
			describeErrors(oas)
			describeSecurity(oas, basePath, auth)
			tagOperations(oas, basePath)
			doc, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

func describeErrors(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	envelope := map[string]*huma.MediaType{
		"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			for code, resp := range op.Responses {
				status, err := strconv.Atoi(code)
				if err != nil || status < 400 {
					continue
				}
				if kind, ok := errorKinds[status]; ok {
					resp.Description = fmt.Sprintf("%s (%s)", kind, defaultCodeForStatus(status))
				}
				resp.Content = envelope
			}
			op.Responses["default"] = &huma.Response{Description: "Error envelope", Content: envelope}
		}
	}
}

func describeSecurity(oas *huma.OpenAPI, basePath string, auth AuthConfig) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	schemes := oas.Components.SecuritySchemes
	schemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	schemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	if auth.AllowLegacyActorHeaders {
		schemes["actorRole"] = &huma.SecurityScheme{
			Type:        "apiKey",
			In:          "header",
			Name:        "X-Actor-Role",
			Description: "client, contractor or verifier; pair with X-Actor-Id",
		}
		security = append(security, map[string][]string{"actorRole": {}})
	}
	oas.Security = security

	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if public[route] {
				op.Security = []map[string][]string{}
			} else {
				op.Security = security
			}
		}
	}
}

// tagOperations groups operations by their first path segment.
func tagOperations(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	for route, item := range oas.Paths {
		rest := strings.TrimPrefix(strings.TrimPrefix(route, basePath), "/")
		tag, _, _ := strings.Cut(rest, "/")
		if tag == "" {
			continue
		}
		for _, op := range operations(item) {
			if len(op.Tags) == 0 {
				op.Tags = []string{tag}
			}
		}
	}
}

func docsPage(basePath string, auth AuthConfig) string {
	specURL := path.Join("/", basePath, "openapi.json")
	modes := "Authorization: Bearer &lt;jwt&gt; or X-Api-Key"
	if auth.AllowLegacyActorHeaders {
		modes += ", or X-Actor-Role with X-Actor-Id"
	}
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Phaseline API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <p style="padding: 0 1rem; font-family: sans-serif;">Authenticate with %s.</p>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
    </script>
  </body>
</html>`, modes, specURL)
}
