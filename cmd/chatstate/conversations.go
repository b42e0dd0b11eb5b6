package main

import (
	"context"

	"github.com/go-go-golems/chatstate/pkg/session"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
)

type ConversationsCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*ConversationsCommand)(nil)

type ConversationsSettings struct {
	Show    string `glazed.parameter:"show"`
	Folders bool   `glazed.parameter:"folders"`
}

func NewConversationsCommand() (*ConversationsCommand, error) {
	glazedParameterLayer, err := settings.NewGlazedParameterLayers()
	if err != nil {
		return nil, errors.Wrap(err, "could not create Glazed parameter layer")
	}

	return &ConversationsCommand{
		CommandDescription: cmds.NewCommandDescription(
			"conversations",
			cmds.WithShort("List the conversations of the configured backend"),
			cmds.WithLong("List the conversations of the configured backend, its folders with --folders, or the messages of one conversation with --show."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"show",
					parameters.ParameterTypeString,
					parameters.WithHelp("List the messages of this conversation instead"),
				),
				parameters.NewParameterDefinition(
					"folders",
					parameters.ParameterTypeBool,
					parameters.WithHelp("List folders instead of conversations"),
					parameters.WithDefault(false),
				),
			),
			cmds.WithLayersList(
				glazedParameterLayer,
			),
		),
	}, nil
}

func (c *ConversationsCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *layers.ParsedLayers, gp middlewares.Processor) error {
	s := &ConversationsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "error initializing settings")
	}

	engine, _, closeBackend, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = closeBackend()
	}()

	return emitConversationRows(ctx, engine, s, gp)
}

type rowProcessor interface {
	AddRow(ctx context.Context, row types.Row) error
}

func emitConversationRows(ctx context.Context, engine *session.Engine, s *ConversationsSettings, gp rowProcessor) error {
	d := engine.Directory()

	switch {
	case s.Show != "":
		d.LoadConversations(ctx)
		applied, err := engine.SelectConversation(ctx, s.Show).Wait()
		if err != nil {
			return errors.Wrapf(err, "could not load conversation %s", s.Show)
		}
		if !applied {
			return errors.Errorf("conversation %s was not loaded", s.Show)
		}
		for _, m := range engine.Ledger().Messages() {
			row := types.NewRow(
				types.MRP("id", m.ID),
				types.MRP("role", string(m.Role)),
				types.MRP("content", m.Content),
				types.MRP("widgets", len(m.Widgets)),
				types.MRP("tool_count", m.ToolCount),
				types.MRP("created_at", m.CreatedAt),
			)
			if err := gp.AddRow(ctx, row); err != nil {
				return err
			}
		}

	case s.Folders:
		d.LoadFolders(ctx)
		for _, f := range d.Folders() {
			name, _ := f["name"].(string)
			row := types.NewRow(
				types.MRP("id", f.ID()),
				types.MRP("name", name),
				types.MRP("fields", map[string]interface{}(f)),
			)
			if err := gp.AddRow(ctx, row); err != nil {
				return err
			}
		}

	default:
		d.LoadConversations(ctx)
		for _, conv := range d.Conversations() {
			row := types.NewRow(
				types.MRP("id", conv.ID),
				types.MRP("title", conv.Title),
				types.MRP("updated_at", conv.UpdatedAt),
				types.MRP("last_message", conv.LastMessage),
				types.MRP("pinned", conv.Pinned()),
				types.MRP("archived", conv.Archived()),
				types.MRP("folder_id", conv.FolderID()),
			)
			if err := gp.AddRow(ctx, row); err != nil {
				return err
			}
		}
	}

	return nil
}
