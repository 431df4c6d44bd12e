package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// corsHeaders includes Idempotency-Key, which the offline client sends with
// every replayed action.
var corsHeaders = []string{
	fiber.HeaderOrigin,
	fiber.HeaderContentType,
	fiber.HeaderAccept,
	fiber.HeaderXRequestedWith,
	"Idempotency-Key",
}

// CORS allows the configured origins to call the API. Credentials are only
// allowed with an explicit origin list.
func CORS(origins ...string) fiber.Handler {
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	wildcard := false
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
	}
	return cors.New(cors.Config{
		AllowOrigins: strings.Join(origins, ","),
		AllowMethods: strings.Join([]string{
			fiber.MethodGet, fiber.MethodPost, fiber.MethodPut,
			fiber.MethodDelete, fiber.MethodPatch, fiber.MethodOptions,
		}, ","),
		AllowHeaders:     strings.Join(corsHeaders, ","),
		ExposeHeaders:    fiber.HeaderContentLength,
		AllowCredentials: !wildcard,
		MaxAge:           3600,
	})
}
