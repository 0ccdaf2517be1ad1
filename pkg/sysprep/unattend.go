package sysprep

import (
	"log/slog"

	"github.com/beevik/etree"
	"github.com/dtc-ops/imageprep/pkg/errors"
)

// UnattendOptions parameterize the generated answer file.
type UnattendOptions struct {
	AdminUser     string
	AdminPassword string
}

const (
	shellSetupComponent = "Microsoft-Windows-Shell-Setup"
	wcmNamespace        = "http://schemas.microsoft.com/WMIConfig/2002/State"
)

// WriteUnattend generates the fixed-schema answer file consumed by the
// generalization tool and writes it to path. Written before generalization
// starts so every attempt uses the same file.
func WriteUnattend(path string, opts UnattendOptions) error {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)

	unattend := doc.CreateElement("unattend")
	unattend.CreateAttr("xmlns", "urn:schemas-microsoft-com:unattend")

	specialize := unattend.CreateElement("settings")
	specialize.CreateAttr("pass", "specialize")
	shell := addShellComponent(specialize)
	shell.CreateElement("CopyProfile").SetText("true")

	accounts := shell.CreateElement("UserAccounts")
	local := accounts.CreateElement("LocalAccounts")
	account := local.CreateElement("LocalAccount")
	account.CreateAttr("wcm:action", "add")
	account.CreateAttr("xmlns:wcm", wcmNamespace)
	account.CreateElement("Name").SetText(opts.AdminUser)
	account.CreateElement("Group").SetText("Administrators")
	addPassword(account, opts.AdminPassword)

	autoLogon := shell.CreateElement("AutoLogon")
	autoLogon.CreateElement("Enabled").SetText("true")
	autoLogon.CreateElement("Username").SetText(opts.AdminUser)
	addPassword(autoLogon, opts.AdminPassword)

	oobeSystem := unattend.CreateElement("settings")
	oobeSystem.CreateAttr("pass", "oobeSystem")
	oobeShell := addShellComponent(oobeSystem)
	oobe := oobeShell.CreateElement("OOBE")
	for _, flag := range []string{
		"HideEULAPage", "HideLocalAccountScreen", "HideOnlineAccountScreens",
		"HideWirelessSetupInOOBE", "SkipMachineOOBE",
	} {
		oobe.CreateElement(flag).SetText("true")
	}
	oobe.CreateElement("ProtectYourPC").SetText("1")

	doc.Indent(4)
	if err := doc.WriteToFile(path); err != nil {
		return errors.Wrap(err, "answer file write failed")
	}

	slog.Info("unattend_written", "path", path, "admin_user", opts.AdminUser)
	return nil
}

func addShellComponent(settings *etree.Element) *etree.Element {
	component := settings.CreateElement("component")
	component.CreateAttr("name", shellSetupComponent)
	component.CreateAttr("processorArchitecture", "amd64")
	component.CreateAttr("publicKeyToken", "31bf3856ad364e35")
	component.CreateAttr("language", "neutral")
	component.CreateAttr("versionScope", "nonSxS")
	return component
}

func addPassword(parent *etree.Element, password string) {
	pw := parent.CreateElement("Password")
	pw.CreateElement("Value").SetText(password)
	pw.CreateElement("PlainText").SetText("true")
}
