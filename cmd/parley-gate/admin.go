package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"parley.chat/internal/auth"
	"parley.chat/internal/gate"
	"parley.chat/internal/secret"
	"parley.chat/internal/store/pg"
)

var (
	subjectID   string
	subjectRole string
	passwordEnv string

	roomID      string
	roomName    string
	roomPrivate bool
)

var subjectCmd = &cobra.Command{
	Use:   "subject",
	Short: "Manage stored subjects",
}

var subjectAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a subject with a role and password",
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := auth.ParseRole(subjectRole)
		if err != nil {
			return err
		}
		password := os.Getenv(passwordEnv)
		if strings.TrimSpace(password) == "" {
			return fmt.Errorf("set the password in $%s", passwordEnv)
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		return withStore(cmd.Context(), func(ctx context.Context, st *pg.Store) error {
			err := st.CreateSubject(ctx, auth.Subject{
				ID:           subjectID,
				Role:         role,
				PasswordHash: hash,
				CreatedAt:    time.Now().UTC(),
			})
			if errors.Is(err, pg.ErrConflict) {
				return fmt.Errorf("subject %s already exists", subjectID)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s subject %s\n", role, subjectID)
			return nil
		})
	},
}

var roomCmd = &cobra.Command{
	Use:   "room",
	Short: "Manage rooms",
}

var roomAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a room; private rooms get a key that is printed once",
	RunE: func(cmd *cobra.Command, args []string) error {
		room := gate.Room{ID: roomID, Name: roomName, Private: roomPrivate}
		var key string
		if roomPrivate {
			if cfg.RoomKeys.Identity == "" {
				return errors.New("room_keys.identity is required to create private rooms")
			}
			sealer, err := secret.NewSealer(cfg.RoomKeys.Identity)
			if err != nil {
				return err
			}
			var hash string
			key, hash, err = secret.Generate(cfg.RoomKeys.BcryptCost)
			if err != nil {
				return err
			}
			sealed, err := sealer.Seal(key)
			if err != nil {
				return err
			}
			room.KeyHash, room.SealedKey = hash, sealed
		}
		return withStore(cmd.Context(), func(ctx context.Context, st *pg.Store) error {
			err := st.CreateRoom(ctx, room)
			if errors.Is(err, pg.ErrConflict) {
				return fmt.Errorf("room %s already exists", roomID)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "created room %s\n", roomID)
			if key != "" {
				fmt.Fprintf(out, "room key: %s\n", key)
			}
			return nil
		})
	},
}

func withStore(ctx context.Context, fn func(context.Context, *pg.Store) error) error {
	if cfg.Postgres.DSN == "" {
		return errors.New("missing DSN: set postgres.dsn or PARLEY_POSTGRES_DSN")
	}
	st, err := pg.Open(cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer st.Close()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return fn(ctx, st)
}

func init() {
	subjectAddCmd.Flags().StringVar(&subjectID, "id", "", "Subject id as issued by the identity provider")
	subjectAddCmd.Flags().StringVar(&subjectRole, "role", "user", "user, elevated or superelevated")
	subjectAddCmd.Flags().StringVar(&passwordEnv, "password-env", "PARLEY_SUBJECT_PASSWORD", "Environment variable holding the password")
	_ = subjectAddCmd.MarkFlagRequired("id")
	subjectCmd.AddCommand(subjectAddCmd)

	roomAddCmd.Flags().StringVar(&roomID, "id", "", "Room id")
	roomAddCmd.Flags().StringVar(&roomName, "name", "", "Display name")
	roomAddCmd.Flags().BoolVar(&roomPrivate, "private", false, "Protect the room with a key")
	_ = roomAddCmd.MarkFlagRequired("id")
	roomCmd.AddCommand(roomAddCmd)

	rootCmd.AddCommand(subjectCmd, roomCmd)
}
