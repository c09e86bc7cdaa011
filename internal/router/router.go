// Package router assembles the HTTP surface: health and metrics, the public
// storefront, the authenticated customer API, and the admin API.
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/halcyonhost/panel/internal/auth"
	"github.com/halcyonhost/panel/internal/catalog"
	"github.com/halcyonhost/panel/internal/content"
	"github.com/halcyonhost/panel/internal/coupons"
	"github.com/halcyonhost/panel/internal/handlers"
	"github.com/halcyonhost/panel/internal/middleware"
	"github.com/halcyonhost/panel/internal/provisioning"
)

// Deps carries everything the route table mounts.
type Deps struct {
	Auth          *auth.Handler
	Sessions      middleware.SessionValidator
	Keys          middleware.APIKeyLookup
	Users         middleware.UserLookup
	Flags         middleware.FlagSource
	Billing       *handlers.BillingHandler
	Account       *handlers.AccountHandler
	Notifications *handlers.NotificationHandler
	Settings      *handlers.SettingsHandler
	Coupons       *coupons.Handler
	Catalog       *catalog.Handler
	Content       *content.Handler
	Orders        *provisioning.Handler

	AllowedOrigins []string
}

// New returns the assembled handler. The payment webhook and /healthz are
// deliberately outside both the auth and maintenance wrappers: the gateway
// keeps delivering and the load balancer keeps probing while the portal is
// closed.
func New(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	authn := middleware.Auth(d.Sessions, d.Keys, d.Users)
	gate := middleware.Maintenance(d.Flags)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", d.Auth.Register)
		r.Post("/auth/login", d.Auth.Login)
		r.Get("/meta", d.Settings.Meta)
		r.Post("/billing/webhooks/payment", d.Billing.PaymentWebhook)

		// Public storefront.
		r.Group(func(r chi.Router) {
			r.Use(gate)
			r.Get("/packages", d.Catalog.ListPublic)
			r.Get("/categories", d.Catalog.ListCategories)
			r.Get("/slas", d.Catalog.ListSLAs)
			r.Get("/features", d.Content.ListPublicFeatures)
			r.Get("/faqs", d.Content.ListPublicFAQs)
			r.Get("/coupons/{code}/preview", d.Coupons.Preview)
		})

		// Customer API.
		r.Group(func(r chi.Router) {
			r.Use(authn)
			r.Use(gate)

			r.Get("/account", d.Account.Me)
			r.Put("/account", d.Account.UpdateProfile)
			r.Put("/account/password", d.Account.ChangePassword)
			r.Get("/account/api-keys", d.Account.ListAPIKeys)
			r.Post("/account/api-keys", d.Account.CreateAPIKey)
			r.Delete("/account/api-keys/{id}", d.Account.RevokeAPIKey)

			r.Get("/billing/balance", d.Billing.Balance)
			r.Get("/billing/transactions", d.Billing.ListTransactions)
			r.Post("/billing/coupons/redeem", d.Coupons.Redeem)

			r.Post("/servers", d.Orders.PlaceOrder)
			r.Get("/servers", d.Orders.ListMine)
			r.Get("/servers/{id}", d.Orders.Get)
			r.Post("/servers/{id}/cancel", d.Orders.Cancel)

			r.Get("/notifications", d.Notifications.List)
			r.Get("/notifications/unread-count", d.Notifications.UnreadCount)
			r.Post("/notifications/{id}/read", d.Notifications.MarkRead)
			r.Post("/notifications/read-all", d.Notifications.MarkAllRead)
		})

		// Admin API. Not gated: admins manage the portal while it is closed.
		r.Route("/admin", func(r chi.Router) {
			r.Use(authn)
			r.Use(middleware.RequireAdmin)

			r.Get("/users", d.Account.ListUsers)
			r.Post("/users/{id}/link", d.Account.LinkVFUser)

			r.Get("/billing/transactions", d.Billing.ListAllTransactions)
			r.Post("/billing/credits", d.Billing.GrantCredit)
			r.Post("/billing/sync-usage", d.Billing.TriggerUsageSync)

			r.Get("/coupons", d.Coupons.List)
			r.Post("/coupons", d.Coupons.Create)
			r.Get("/coupons/{id}", d.Coupons.Get)
			r.Put("/coupons/{id}", d.Coupons.Update)
			r.Delete("/coupons/{id}", d.Coupons.Delete)

			r.Get("/packages", d.Catalog.ListAdmin)
			r.Put("/packages/{id}", d.Catalog.UpdatePackage)
			r.Post("/packages/sync", d.Catalog.SyncPackages)
			r.Post("/categories", d.Catalog.CreateCategory)
			r.Put("/categories/{id}", d.Catalog.UpdateCategory)
			r.Delete("/categories/{id}", d.Catalog.DeleteCategory)
			r.Post("/slas", d.Catalog.CreateSLA)
			r.Put("/slas/{id}", d.Catalog.UpdateSLA)
			r.Delete("/slas/{id}", d.Catalog.DeleteSLA)

			r.Get("/features", d.Content.ListAdminFeatures)
			r.Post("/features", d.Content.CreateFeature)
			r.Put("/features/{id}", d.Content.UpdateFeature)
			r.Delete("/features/{id}", d.Content.DeleteFeature)

			r.Get("/faqs", d.Content.ListAdminFAQs)
			r.Post("/faqs", d.Content.CreateFAQ)
			r.Put("/faqs/{id}", d.Content.UpdateFAQ)
			r.Delete("/faqs/{id}", d.Content.DeleteFAQ)

			r.Get("/orders", d.Orders.ListAll)
			r.Post("/orders/{id}/suspend", d.Orders.Suspend)
			r.Post("/orders/{id}/unsuspend", d.Orders.Unsuspend)

			r.Get("/settings", d.Settings.List)
			r.Put("/settings", d.Settings.Update)
		})
	})

	return cors.New(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Webhook-Signature"},
		AllowCredentials: true,
	}).Handler(r)
}
