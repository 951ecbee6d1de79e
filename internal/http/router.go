package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"postpone/internal/auth"
	"postpone/internal/config"
	"postpone/internal/http/handler"
	mw "postpone/internal/http/middleware"
	"postpone/internal/job"
	"postpone/internal/snippet"
)

type Deps struct {
	DB        *gorm.DB
	Tokens    *auth.Tokens
	Jobs      *job.Store
	Snippets  *snippet.Store
	Processor *job.Processor
	Scheduler *job.Scheduler
	Log       *zap.Logger
}

func NewRouter(cfg config.Config, d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(mw.CORS(cfg.CORSAllowedOrigins, cfg.CORSAllowCredentials))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ah := &handler.AuthHandler{DB: d.DB, Tokens: d.Tokens}
	r.Post("/auth/register", ah.Register)
	r.Post("/auth/login", ah.Login)

	jobH := &handler.JobHandler{Store: d.Jobs}
	snipH := &handler.SnippetHandler{Store: d.Snippets}
	acctH := &handler.AccountHandler{DB: d.DB}
	bootH := &handler.BootstrapHandler{DB: d.DB, Jobs: d.Jobs, Snippets: d.Snippets}

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(d.Tokens))

			r.Get("/init", bootH.Init)

			r.Post("/send", jobH.CreateSend)
			r.Get("/send", jobH.ListSend)
			r.Get("/send/{id}", jobH.GetSend)
			r.Post("/send/{id}", jobH.UpdateSend)
			r.Delete("/send/{id}", jobH.DeleteSend)

			r.Post("/remind", jobH.CreateRemind)
			r.Get("/remind", jobH.ListRemind)
			r.Get("/remind/{id}", jobH.GetRemind)
			r.Post("/remind/{id}", jobH.UpdateRemind)
			r.Delete("/remind/{id}", jobH.DeleteRemind)
			r.Post("/remind/{id}/checkreply", jobH.CheckReply)

			r.Get("/snippets", snipH.List)
			r.Post("/snippets", snipH.Create)
			r.Put("/snippets/{id}", snipH.Update)
			r.Delete("/snippets/{id}", snipH.Delete)
			r.Post("/snippets/{id}/use", snipH.CountUsage)

			r.Get("/account", acctH.Get)
			r.Put("/account", acctH.Put)
		})

		taskH := &handler.TaskHandler{Processor: d.Processor, Scheduler: d.Scheduler, Log: d.Log}
		r.Route("/tasks", func(r chi.Router) {
			r.Use(mw.RequireTaskToken(cfg.TaskToken))

			r.Post("/send", taskH.Send())
			r.Post("/remind", taskH.Remind())
			r.Post("/checkreply", taskH.CheckReply())
			r.Post("/queue", taskH.Queue)
		})
	})

	return r
}
