package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/chatstate/pkg/conversation"
	"github.com/go-go-golems/chatstate/pkg/events"
	"github.com/go-go-golems/chatstate/pkg/helpers"
	"github.com/go-go-golems/chatstate/pkg/reasoning"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

type replayState struct {
	ConversationID string                 `yaml:"conversation_id"`
	Placeholder    bool                   `yaml:"placeholder,omitempty"`
	Events         int                    `yaml:"events"`
	Streaming      bool                   `yaml:"streaming"`
	Messages       []conversation.Message `yaml:"messages"`
	Plan           []reasoning.PlanStep   `yaml:"plan,omitempty"`
	Steps          []reasoning.Step       `yaml:"steps,omitempty"`
}

func newReplayCommand() *cobra.Command {
	var (
		eventsFile     string
		conversationID string
		prompt         string
		title          string
		dump           bool
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Feed a recorded event stream (NDJSON or SSE) through the engine and print the resulting state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			f, err := os.Open(eventsFile)
			if err != nil {
				return err
			}
			defer func() {
				_ = f.Close()
			}()

			engine, s, closeBackend, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer func() {
				_ = closeBackend()
			}()
			// without acks the in-process pubsub delivers events concurrently,
			// in no particular order
			if !s.Events.BlockUntilAck {
				return errors.New("replay requires events.block-until-ack")
			}

			state := replayState{}
			if conversationID != "" {
				engine.Directory().LoadConversations(ctx)
				applied, err := engine.SelectConversation(ctx, conversationID).Wait()
				if err != nil {
					return errors.Wrapf(err, "could not load conversation %s", conversationID)
				}
				if !applied {
					return errors.Errorf("conversation %s was not loaded", conversationID)
				}
				state.ConversationID = conversationID
			} else {
				created := engine.CreateConversation(ctx, title)
				state.ConversationID = created.ID
				state.Placeholder = created.Placeholder
			}

			if _, err := engine.BeginTurn(ctx, prompt); err != nil {
				return err
			}

			router, err := events.NewEventRouter(
				events.WithLogger(helpers.NewWatermill(log.Logger)),
				events.WithBlockUntilAck(s.Events.BlockUntilAck),
				events.WithVerbose(viper.GetBool("verbose")),
			)
			if err != nil {
				return err
			}

			router.AddHandler("engine", s.Events.Topic, engine.Handler())
			if dump {
				router.AddHandler("dump", s.Events.Topic, router.DumpRawEvents(cmd.ErrOrStderr()))
			}
			if s.Events.ChangesTopic != "" {
				engine.Notifier().AddPublisher(s.Events.ChangesTopic, router.Publisher)
				router.AddHandler("changes", s.Events.ChangesTopic, logChanges)
			}

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				return router.Run(ctx)
			})
			eg.Go(func() error {
				defer func() {
					_ = router.Close()
				}()
				select {
				case <-router.Running():
				case <-ctx.Done():
					return ctx.Err()
				}

				// publishing blocks until every handler acked, so all events
				// are applied once ReadStream returns
				sink := events.NewWatermillSink(router.Publisher, s.Events.Topic)
				n, err := events.ReadStream(ctx, f, sink, events.WithStreamLogger(log.Logger))
				state.Events = n
				log.Debug().Int("events", n).Msg("stream replayed")
				return err
			})
			if err := eg.Wait(); err != nil {
				return err
			}

			if engine.IsStreaming() {
				log.Warn().Msg("stream ended without a final event")
			}
			state.Streaming = engine.IsStreaming()
			state.Messages = engine.Ledger().Messages()
			state.Plan = engine.Reasoning().Plan()
			state.Steps = engine.Reasoning().Steps()

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer func() {
				_ = enc.Close()
			}()
			return enc.Encode(state)
		},
	}

	cmd.Flags().StringVar(&eventsFile, "events", "", "File with the recorded event stream")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Replay into an existing conversation")
	cmd.Flags().StringVar(&prompt, "prompt", "", "User message starting the turn")
	cmd.Flags().StringVar(&title, "title", "", "Title of the conversation created for the replay")
	cmd.Flags().BoolVar(&dump, "dump", false, "Dump every event to stderr")
	_ = cmd.MarkFlagRequired("events")

	return cmd
}

func logChanges(msg *message.Message) error {
	defer msg.Ack()

	var c helpers.Change
	if err := json.Unmarshal(msg.Payload, &c); err != nil {
		log.Warn().Err(err).Msg("could not decode change")
		return nil
	}
	log.Debug().
		Str("component", c.Component).
		Str("op", c.Op).
		Int64("version", c.Version).
		Str("correlation_id", msg.Metadata.Get(helpers.CorrelationIDMetadataKey)).
		Msg("state changed")
	return nil
}
