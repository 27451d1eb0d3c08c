package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-labwatch/internal/directory"
	"github.com/drfirst/go-labwatch/internal/domain/lab"
	"github.com/drfirst/go-labwatch/internal/domain/patient"
)

func newRegisterCmd(a *app) *cobra.Command {
	var (
		id           int64
		name, zodiac string
		phone, mail  string
		demo         bool
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a patient in the directory",
		Long: `Registers a patient. An id that is already taken is left untouched.

Example:
  glucose-analyser register --id 3 --name "Grace Hopper" --zodiac taurus --mail Flåklypa
  glucose-analyser register --demo`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var p patient.Patient
			if demo {
				p = directory.DemoRegistration()
			} else {
				pid, err := patient.NewID(id)
				if err != nil {
					return err
				}
				n, err := patient.NewName(name)
				if err != nil {
					return err
				}
				var opts []patient.Option
				if zodiac != "" {
					z, err := patient.ParseZodiac(zodiac)
					if err != nil {
						return err
					}
					opts = append(opts, patient.WithZodiac(z))
				}
				if phone != "" {
					opts = append(opts, patient.WithPhone(patient.PhoneNumber(phone)))
				}
				if mail != "" {
					opts = append(opts, patient.WithMail(patient.MailAddress(mail)))
				}
				p = patient.New(pid, n, opts...)
			}

			client, err := a.directoryClient()
			if err != nil {
				return err
			}
			if err := client.PutPatient(cmd.Context(), p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "patient %d registered\n", p.ID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&id, "id", 0, "patient id")
	cmd.Flags().StringVar(&name, "name", "", "patient name")
	cmd.Flags().StringVar(&zodiac, "zodiac", "", "zodiac sign; omit for a legacy record")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number for SMS notices")
	cmd.Flags().StringVar(&mail, "mail", "", "postal address for letters")
	cmd.Flags().BoolVar(&demo, "demo", false, "register the demo patient (Grace Hopper)")
	return cmd
}

func newRecordCmd(a *app) *cobra.Command {
	var (
		glucose int
		covid   string
	)

	cmd := &cobra.Command{
		Use:   "record <patient-id>",
		Short: "Record a lab answer for a patient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := patient.ParseID(args[0])
			if err != nil {
				return err
			}

			var answer lab.Answer
			switch {
			case glucose != 0 && covid != "":
				return fmt.Errorf("use either --glucose or --covid19")
			case glucose != 0:
				level, err := lab.NewGlucoseLevel(glucose)
				if err != nil {
					return err
				}
				answer = lab.NewGlucoseAnswer(level)
			case covid != "":
				answer = lab.NewCovid19Answer(lab.BinaryResult(covid))
			default:
				return fmt.Errorf("one of --glucose or --covid19 is required")
			}

			client, err := a.directoryClient()
			if err != nil {
				return err
			}
			if err := client.PutLabAnswer(cmd.Context(), id, answer); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recorded %s for patient %d\n", answer, id)
			return nil
		},
	}

	cmd.Flags().IntVar(&glucose, "glucose", 0, "glucose level (1-99)")
	cmd.Flags().StringVar(&covid, "covid19", "", "covid-19 result (Positive or Negative)")
	return cmd
}

func newToleranceCmd(a *app) *cobra.Command {
	var zodiac string

	cmd := &cobra.Command{
		Use:   "tolerance",
		Short: "Show the glucose tolerance table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := a.cfg.Policy()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()

			if zodiac != "" {
				z, err := patient.ParseZodiac(zodiac)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s: %d\n", z, policy.Threshold(&z).Value())
				return nil
			}

			fmt.Fprintf(w, "default: %d\n", policy.Default().Value())
			mapped := policy.Mapped()
			signs := make([]string, 0, len(mapped))
			for z := range mapped {
				signs = append(signs, string(z))
			}
			sort.Strings(signs)
			for _, s := range signs {
				fmt.Fprintf(w, "%s: %d\n", s, mapped[patient.ZodiacSign(s)].Value())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&zodiac, "zodiac", "", "show the threshold for one sign")
	return cmd
}
