// Package server binds the HTTP/websocket surface to the room, credentials
// and user managers: login, room creation, join approval, and the connect
// upgrade that hands a transport to the relay.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"opencollab/internal/credentials"
	"opencollab/internal/cryptographic/seal"
	"opencollab/internal/model"
	"opencollab/internal/room"
	userSvc "opencollab/internal/service/user"
	"opencollab/internal/utils/log"
)

type (
	Options struct {
		Addr             string
		RequestTimeout   time.Duration
		HandshakeTimeout time.Duration
	}

	HttpServer struct {
		users *userSvc.Manager
		creds *credentials.Manager
		rooms *room.Manager
		keys  *seal.KeyPair

		opts     Options
		upgrader websocket.Upgrader
		srv      *http.Server
	}

	loginRequest struct {
		Name      string `json:"name"`
		Email     string `json:"email,omitempty"`
		PublicKey []byte `json:"publicKey"`
	}

	createSessionRequest struct {
		Readonly bool `json:"readonly,omitempty"`
	}

	tokenResponse struct {
		Token     string           `json:"token"`
		RoomID    string           `json:"roomId,omitempty"`
		Workspace *model.Workspace `json:"workspace,omitempty"`
	}
)

func NewHttpServer(users *userSvc.Manager, creds *credentials.Manager, rooms *room.Manager, keys *seal.KeyPair, opts Options) *HttpServer {
	if opts.Addr == "" {
		opts.Addr = "localhost:9090"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 30 * time.Second
	}
	return &HttpServer{
		users: users,
		creds: creds,
		rooms: rooms,
		keys:  keys,
		opts:  opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
	}
}

func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.HandleHealth()).Methods(http.MethodGet)
	r.HandleFunc("/api/login", s.HandleLogin()).Methods(http.MethodPost)
	r.HandleFunc("/api/session", s.HandleCreateSession()).Methods(http.MethodPost)
	r.HandleFunc("/api/session/{roomId}", s.HandleJoinSession()).Methods(http.MethodPost)
	r.HandleFunc("/api/session/join/{token}", s.HandleConnect()).Methods(http.MethodGet)
	return r
}

func (s *HttpServer) Run() error {
	s.srv = &http.Server{Addr: s.opts.Addr, Handler: s.Router()}
	log.Info("listening", zap.String("addr", s.opts.Addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes every room, then the listener.
func (s *HttpServer) Shutdown(ctx context.Context) error {
	s.rooms.CloseAll()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *HttpServer) HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *HttpServer) HandleLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		if _, err := seal.ParsePublicKey(req.PublicKey); err != nil {
			http.Error(w, "invalid public key", http.StatusUnauthorized)
			return
		}

		usr, err := s.users.Login(ctx, req.Name, req.Email, req.PublicKey)
		if err != nil {
			log.Error("login failed", zap.String("name", req.Name), zap.Error(err))
			http.Error(w, "login failed", http.StatusInternalServerError)
			return
		}

		token, err := s.creds.MintLoginToken(ctx, usr.ID.Hex())
		if err != nil {
			log.Error("minting login token failed", zap.Error(err))
			http.Error(w, "login failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, tokenResponse{Token: token})
	}
}

func (s *HttpServer) HandleCreateSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		claims, err := s.creds.RedeemLogin(ctx, r.Header.Get("X-Login-Token"))
		if err != nil {
			http.Error(w, "invalid login token", http.StatusUnauthorized)
			return
		}

		var req createSessionRequest
		// body is optional; a decode failure just keeps the defaults
		_ = json.NewDecoder(r.Body).Decode(&req)

		roomID := room.NewID()
		token, err := s.creds.MintJoinToken(ctx, claims.UserID, roomID, true, req.Readonly)
		if err != nil {
			log.Error("minting join token failed", zap.Error(err))
			http.Error(w, "session creation failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, tokenResponse{Token: token, RoomID: roomID})
	}
}

func (s *HttpServer) HandleJoinSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		roomID := mux.Vars(r)["roomId"]

		claims, err := s.creds.RedeemLogin(ctx, r.Header.Get("X-Login-Token"))
		if err != nil {
			http.Error(w, "invalid login token", http.StatusUnauthorized)
			return
		}

		usr, err := s.users.Get(ctx, claims.UserID)
		if err != nil {
			http.Error(w, "invalid login token", http.StatusUnauthorized)
			return
		}

		verdict, err := s.rooms.JoinRequest(ctx, roomID, model.UserInfo{Name: usr.Name, Email: usr.Email})
		switch {
		case errors.Is(err, room.ErrNoSuchRoom):
			http.Error(w, "no such room", http.StatusNotFound)
			return
		case errors.Is(err, room.ErrDenied):
			http.Error(w, "join request denied", http.StatusForbidden)
			return
		case errors.Is(err, room.ErrApprovalTimeout):
			http.Error(w, "join request timed out", http.StatusRequestTimeout)
			return
		case err != nil:
			log.Error("join request failed", zap.String("room", roomID), zap.Error(err))
			http.Error(w, "join request failed", http.StatusInternalServerError)
			return
		}

		token, err := s.creds.MintJoinToken(ctx, claims.UserID, roomID, false, false)
		if err != nil {
			log.Error("minting join token failed", zap.Error(err))
			http.Error(w, "join failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, tokenResponse{Token: token, Workspace: verdict.Workspace})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("writing response failed", zap.Error(err))
	}
}
