package main

// General API documentation for swaggo. Regenerate with `swag init -g cmd/deployd/docs.go`.
//
// @title           deployd API
// @version         1.0
// @description     HTTP API for deploying ML inference workers and following their progress.
//
// @contact.name   deployd maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
