package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterSwagger registers minimal Swagger/OpenAPI endpoints for the document service.
// - GET /swagger/index.html  -> a small HTML page that loads the OpenAPI JSON
// - GET /swagger/doc.json    -> machine-readable OpenAPI JSON
func RegisterSwagger(rg gin.IRoutes) {
	rg.GET("/swagger/index.html", func(c *gin.Context) {
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.String(http.StatusOK, swaggerHTML)
	})

	rg.GET("/swagger/doc.json", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(swaggerJSON))
	})
}

const swaggerHTML = `<!doctype html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>livedoc - Swagger</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@4/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@4/swagger-ui-bundle.js"></script>
    <script>
      window.ui = SwaggerUIBundle({
        url: '/swagger/doc.json',
        dom_id: '#swagger-ui',
      })
    </script>
  </body>
</html>`

// OpenAPI document for the document sync endpoints. Every path is also served under /api.
const swaggerJSON = `{
  "openapi": "3.0.0",
  "info": { "title": "livedoc", "version": "v0.1.0" },
  "components": {
    "schemas": {
      "Participant": {"type":"object","properties":{"name":{"type":"string"},"cursorPosition":{"type":"integer"},"lastActive":{"type":"integer","format":"int64"}}},
      "Snapshot": {"type":"object","properties":{"content":{"type":"string"},"users":{"type":"array","items":{"$ref":"#/components/schemas/Participant"}},"lastUpdated":{"type":"integer","format":"int64"}}}
    }
  },
  "paths": {
    "/document/{id}": {
      "get": { "summary": "Fetch document snapshot, creating it if absent", "responses": { "200": { "description": "snapshot", "content": { "application/json": { "schema": {"$ref":"#/components/schemas/Snapshot"} } } } } },
      "put": {
        "summary": "Write content and/or cursor",
        "requestBody": { "content": { "application/json": { "schema": {"type":"object","properties":{"content":{"type":"string"},"userName":{"type":"string"},"cursorPosition":{"type":"integer"},"cursorOnly":{"type":"boolean"}}}}}},
        "responses": { "200": { "description": "snapshot after write" }, "400": { "description": "malformed body" } }
      }
    },
    "/document/{id}/join": {
      "post": { "summary": "Join a document as a named participant", "requestBody": { "content": { "application/json": { "schema": {"type":"object","required":["userName"],"properties":{"userName":{"type":"string"}}}}}}, "responses": { "200": { "description": "success and live participant list" }, "400": { "description": "missing userName" } } }
    },
    "/document/{id}/leave": {
      "post": { "summary": "Leave a document", "requestBody": { "content": { "application/json": { "schema": {"type":"object","properties":{"userName":{"type":"string"}}}}}}, "responses": { "200": { "description": "always success" } } }
    },
    "/document/{id}/events": {
      "get": { "summary": "Server-sent event stream (connected, update, userUpdate, keepalive)", "responses": { "200": { "description": "text/event-stream" } } }
    },
    "/health": { "get": { "summary": "Liveness check", "responses": { "200": { "description": "healthy" } } } },
    "/ready": { "get": { "summary": "Readiness check with document and subscriber counts", "responses": { "200": { "description": "ready" }, "503": { "description": "not ready" } } } },
    "/metrics": { "get": { "summary": "Prometheus metrics", "responses": { "200": { "description": "text exposition" } } } }
  }
}`
