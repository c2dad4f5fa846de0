package main

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/gaiachat/pkg/api"
	"github.com/go-go-golems/gaiachat/pkg/catalog"
	"github.com/go-go-golems/gaiachat/pkg/client"
	"github.com/go-go-golems/gaiachat/pkg/conversation"
	"github.com/go-go-golems/gaiachat/pkg/pipeline"
	"github.com/go-go-golems/gaiachat/pkg/settings"
	"github.com/go-go-golems/gaiachat/pkg/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const catalogTimeout = 5 * time.Second

// app is everything a command needs, built from the loaded settings.
type app struct {
	settings *settings.ClientSettings
	backend  storage.Backend
	store    *conversation.Store
	api      *api.Client
	catalog  *catalog.Catalog
	client   *client.ConversationClient
}

type appOption func(*settings.ClientSettings)

// withModelFlags applies --model and --version when they were given.
func withModelFlags(cmd *cobra.Command) appOption {
	return func(s *settings.ClientSettings) {
		if cmd.Flags().Changed("model") {
			s.Model, _ = cmd.Flags().GetString("model")
		}
		if cmd.Flags().Changed("version") {
			s.ModelVersion, _ = cmd.Flags().GetString("version")
		}
	}
}

func newApp(ctx context.Context, refreshCatalog bool, options ...appOption) (*app, error) {
	loaded, err := settings.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	s := loaded.Clone()
	for _, o := range options {
		o(s)
	}

	path, err := s.StorePath()
	if err != nil {
		return nil, err
	}
	backend, err := storage.Open(s.Store.Backend, path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %s store at %s", s.Store.Backend, path)
	}

	apiClient := api.NewClient(s.BaseURL, api.WithTimeout(s.RequestTimeout))
	cat := catalog.New(apiClient,
		catalog.WithStreamingModels(s.StreamingModels...),
		catalog.WithExpensiveModels(s.ExpensiveModels...),
	)
	if refreshCatalog {
		refreshCtx, cancel := context.WithTimeout(ctx, catalogTimeout)
		if _, err := cat.Refresh(refreshCtx, false); err != nil {
			log.Warn().Err(err).Msg("could not load model catalog, using raw model selection")
		}
		cancel()
	}

	store := conversation.NewStore(backend, conversation.WithStoreKey(s.Store.Key))
	clientOptions := append(client.OptionsFromSettings(s), client.WithCatalog(cat))
	if s.Pipeline.Enabled {
		clientOptions = append(clientOptions, client.WithPipeline(pipeline.NewLowCost(apiClient, cat,
			pipeline.WithTokenThreshold(s.Pipeline.TokenThreshold),
			pipeline.WithCheapVersion(s.Pipeline.CheapVersion),
		)))
	}

	return &app{
		settings: s,
		backend:  backend,
		store:    store,
		api:      apiClient,
		catalog:  cat,
		client:   client.New(apiClient, store, clientOptions...),
	}, nil
}

func (a *app) Close() {
	a.client.StopAll()
	if err := a.backend.Close(); err != nil {
		log.Warn().Err(err).Msg("could not close store")
	}
}

// resolveChat accepts a full chat id or a unique prefix of one.
func (a *app) resolveChat(ctx context.Context, ref string) (*conversation.Chat, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("chat id is empty")
	}
	if chat, ok := a.store.Get(ctx, ref); ok {
		return chat, nil
	}
	var found *conversation.Chat
	for _, c := range a.store.List(ctx) {
		if !strings.HasPrefix(c.ID, ref) {
			continue
		}
		if found != nil {
			return nil, errors.Errorf("chat id %q is ambiguous", ref)
		}
		found = c
	}
	if found == nil {
		return nil, errors.Wrapf(conversation.ErrChatNotFound, "chat %s", ref)
	}
	return found, nil
}
