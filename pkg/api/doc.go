// Package api exposes the subscription service, entitlement checks and the
// billing provider webhook over HTTP.
//
// Routes are registered on a gorilla/mux router; organization scoped routes
// live under /orgs/{org}. Errors are returned as {"error": "..."} with a
// status derived from the domain error taxonomy by HTTPStatus.
//
// Basic usage:
//
//	handlers := api.NewHandlers(api.HandlersOptions{...})
//	router := api.NewRouter(api.RouterOptions{Handlers: handlers, ...})
//	http.ListenAndServe(":8080", router)
package api
