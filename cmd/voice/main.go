package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "voice",
	Short: "Push-to-talk voice chat over a WebRTC mesh",
	Long: `voice joins a room on a signaling hub and talks to every other member
over direct peer connections. The microphone stays muted unless the
push-to-talk key is held (or toggled on).`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	rootCmd.AddCommand(joinCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("voice")
		os.Exit(1)
	}
}

// bindFlags maps flag names onto config keys so flags win over file and env.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	for flag, key := range keys {
		f := fs.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func setLogLevel(level string) {
	if lvl, err := zerolog.ParseLevel(level); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
}
