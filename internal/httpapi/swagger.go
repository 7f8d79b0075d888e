//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

// Regenerate with `swag init -g cmd/deployd/docs.go` when handlers change.
const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {"name": "deployd maintainers"},
        "license": {"name": "MIT", "url": "https://opensource.org/licenses/MIT"},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/api/v1/deployments": {
            "get": {"tags": ["Deployments"], "summary": "List deployments", "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.DeploymentsResponse"}}}},
            "post": {"tags": ["Deployments"], "summary": "Submit a deployment", "consumes": ["application/json"], "produces": ["application/json"],
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/types.DeployRequest"}}],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/types.DeployResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "415": {"description": "Unsupported Media Type", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }}
        },
        "/api/v1/deployments/{id}": {
            "get": {"tags": ["Deployments"], "summary": "Get a deployment", "produces": ["application/json"],
                "parameters": [{"in": "path", "name": "id", "type": "string", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}}},
            "delete": {"tags": ["Deployments"], "summary": "Remove a deployment",
                "parameters": [{"in": "path", "name": "id", "type": "string", "required": true}],
                "responses": {"200": {"description": "OK"}, "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}}}
        },
        "/api/v1/deployments/{id}/stop": {
            "post": {"tags": ["Deployments"], "summary": "Stop a deployment",
                "parameters": [{"in": "path", "name": "id", "type": "string", "required": true}],
                "responses": {"202": {"description": "Accepted"}, "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}}}
        },
        "/api/v1/deployments/{id}/retry": {
            "post": {"tags": ["Deployments"], "summary": "Retry a deployment",
                "parameters": [{"in": "path", "name": "id", "type": "string", "required": true}],
                "responses": {"202": {"description": "Accepted", "schema": {"$ref": "#/definitions/types.DeployResponse"}}, "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}}}
        },
        "/api/v1/deployments/{id}/events": {
            "get": {"tags": ["Deployments"], "summary": "Stream deployment progress", "produces": ["application/x-ndjson"],
                "parameters": [{"in": "path", "name": "id", "type": "string", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}}
        },
        "/api/v1/ws/{id}": {
            "get": {"tags": ["Deployments"], "summary": "Progress WebSocket",
                "parameters": [{"in": "path", "name": "id", "type": "string", "required": true}],
                "responses": {"101": {"description": "Switching Protocols"}, "404": {"description": "Not Found"}}}
        },
        "/api/v1/artifacts": {
            "get": {"tags": ["Artifacts"], "summary": "List artifacts", "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ArtifactsResponse"}}}}
        },
        "/api/v1/system/info": {
            "get": {"tags": ["System"], "summary": "System information", "produces": ["application/json"],
                "responses": {"200": {"description": "OK"}}}
        },
        "/status": {
            "get": {"tags": ["System"], "summary": "Aggregate status", "produces": ["application/json"],
                "responses": {"200": {"description": "OK"}}}
        }
    },
    "definitions": {
        "types.DeployRequest": {
            "type": "object",
            "properties": {
                "name": {"type": "string", "example": "sentiment-bert"},
                "source": {"type": "string", "example": "hf://distilbert/distilbert-base-uncased-finetuned-sst-2-english"},
                "kind": {"type": "string", "example": "nlp"},
                "device": {"type": "string", "example": "auto"},
                "memory_limit_mb": {"type": "integer", "example": 2048},
                "workers": {"type": "integer", "example": 1},
                "batch_size": {"type": "integer", "example": 8},
                "preferred_port": {"type": "integer", "example": 8100}
            }
        },
        "types.DeployResponse": {
            "type": "object",
            "properties": {
                "deployment": {"type": "object"},
                "websocket_url": {"type": "string"},
                "events_url": {"type": "string"}
            }
        },
        "types.DeploymentsResponse": {
            "type": "object",
            "properties": {
                "deployments": {"type": "array", "items": {"type": "object"}},
                "count": {"type": "integer"}
            }
        },
        "types.ArtifactsResponse": {
            "type": "object",
            "properties": {
                "local": {"type": "array", "items": {"type": "object"}},
                "cached": {"type": "array", "items": {"type": "object"}}
            }
        },
        "types.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string", "example": "invalid JSON body"},
                "code": {"type": "integer", "example": 400}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "deployd API",
	Description:      "HTTP API for deploying ML inference workers and following their progress.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

// MountSwagger serves the Swagger UI and the generated document under /swagger.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))
}
