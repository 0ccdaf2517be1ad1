package commands

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/dtc-ops/imageprep/pkg/errors"
	"github.com/dtc-ops/imageprep/pkg/repository"
)

// promptConfirmer implements repository.Confirmer on top of interactive
// terminal forms. Secrets are shown or collected here and nowhere else.
type promptConfirmer struct{}

func (c *promptConfirmer) AcknowledgeSecret(scope repository.Scope, secret string) error {
	var acknowledged bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title(fmt.Sprintf("New repository secret for %s", scope.ID())).
				Description(fmt.Sprintf("Record this secret now. It is shown once and cannot be recovered:\n\n    %s", secret)),
			huh.NewConfirm().
				Title("I have recorded the secret").
				Affirmative("Recorded").
				Negative("Abort").
				Value(&acknowledged),
		),
	)
	if err := form.Run(); err != nil {
		return errors.Wrap(err, "acknowledgement prompt failed")
	}
	if !acknowledged {
		return errors.New("operator declined to record the secret")
	}
	return nil
}

func (c *promptConfirmer) ConfirmReuse(scope repository.Scope) error {
	var confirmed bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Repository %s already exists", scope.ID())).
				Description("Continue with the cached secret for this client/site?").
				Affirmative("Continue").
				Negative("Abort").
				Value(&confirmed),
		),
	)
	if err := form.Run(); err != nil {
		return errors.Wrap(err, "reuse prompt failed")
	}
	if !confirmed {
		return errors.New("operator declined to reuse the cached secret")
	}
	return nil
}

func (c *promptConfirmer) PromptSecret(scope repository.Scope) (string, error) {
	var secret string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(fmt.Sprintf("Secret for existing repository %s", scope.ID())).
				Description("The repository exists remotely but no secret is cached on this machine.").
				EchoMode(huh.EchoModePassword).
				Value(&secret).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("secret cannot be empty")
					}
					return nil
				}),
		),
	)
	if err := form.Run(); err != nil {
		return "", errors.Wrap(err, "secret prompt failed")
	}
	return secret, nil
}

// confirmHostname gates an irreversible machine-level action behind a typed
// hostname match rather than a yes/no toggle.
func confirmHostname(action, hostname string) error {
	var typed string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(fmt.Sprintf("Confirm %s on %s", action, hostname)).
				Description(fmt.Sprintf("This machine will be modified irreversibly. Type the hostname %q to continue.", hostname)).
				Value(&typed).
				Validate(func(s string) error {
					if s != hostname {
						return fmt.Errorf("hostname does not match")
					}
					return nil
				}),
		),
	)
	if err := form.Run(); err != nil {
		return errors.Wrap(err, "confirmation prompt failed")
	}
	return nil
}
