//go:build windows

package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"hooktiller/pkg/config"
	"hooktiller/pkg/eventlog"
	"hooktiller/pkg/pattern"
	"hooktiller/pkg/process"
	"hooktiller/pkg/resolve"
)

const (
	maxFindings = 100
	maxScanHits = 64
)

type processInfo struct {
	pid  int
	name string
}

type ui struct {
	app   *tview.Application
	procs []processInfo
	table *tview.Table

	form           *tview.Form
	kindDrop       *tview.DropDown
	moduleField    *tview.InputField
	targetField    *tview.InputField
	decoratedField *tview.InputField
	formItems      []tview.FormItem
	formIndex      int

	results  *tview.Table
	code     *tview.TextView
	logView  *tview.TextView
	status   *tview.TextView
	panel    *logPanel
	findings []finding

	sink *eventlog.Sink
	log  *zap.Logger

	selectedPID int
	selectedExe string
	lastNavRune rune
}

func logPath() string {
	if p := os.Getenv(config.EnvPrefix + "UI_LOG"); p != "" {
		return p
	}
	return "hooktiller-ui.log"
}

func run() error {
	app := tview.NewApplication()
	u := newUI(app)

	sink, err := eventlog.Open(eventlog.Options{
		Path:    logPath(),
		Console: u.panel,
		Level:   zapcore.DebugLevel,
	})
	if err != nil {
		return err
	}
	defer sink.Close()
	u.sink = sink
	u.log = sink.Named("ui")
	u.log.Info("started", zap.String("log", logPath()))

	return app.SetRoot(u.layout(), true).EnableMouse(true).Run()
}

func newUI(app *tview.Application) *ui {
	u := &ui{app: app, log: zap.NewNop()}

	u.table = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	applyTableTheme(u.table)
	u.table.SetTitle(" Processes (r=refresh) ").SetBorder(true)

	u.form = tview.NewForm()
	u.form.SetBorder(true).SetTitle(" Locator ")
	applyFormTheme(u.form)

	u.kindDrop = tview.NewDropDown().
		SetLabel("Kind ").
		SetOptions(locatorKinds, nil)
	u.kindDrop.SetCurrentOption(0)
	u.moduleField = tview.NewInputField().
		SetLabel("Module ").
		SetPlaceholder("kernel32.dll (empty = main image)")
	u.targetField = tview.NewInputField().
		SetLabel("Target ").
		SetPlaceholder("CreateFileW | 48 8B ?? C3 | 0x7FF6A1C0")
	u.decoratedField = tview.NewInputField().
		SetLabel("Decorated ").
		SetPlaceholder("_CreateFileW@28")

	u.form.AddFormItem(u.kindDrop)
	u.form.AddFormItem(u.moduleField)
	u.form.AddFormItem(u.targetField)
	u.form.AddFormItem(u.decoratedField)
	u.form.AddButton("Resolve", func() { u.doResolve() })
	u.form.AddButton("Scan", func() { u.doScan() })
	u.form.SetButtonsAlign(tview.AlignLeft)
	u.formItems = []tview.FormItem{u.kindDrop, u.moduleField, u.targetField, u.decoratedField}

	u.results = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	applyTableTheme(u.results)
	u.results.SetTitle(" Results (x=clear) ").SetBorder(true)
	u.results.SetSelectionChangedFunc(func(row, _ int) {
		u.showCode(row - 1)
	})

	u.code = tview.NewTextView().
		SetScrollable(true).
		SetWrap(false)
	u.code.SetBorder(true).SetTitle(" Prologue (tab=log) ")
	applyTextTheme(u.code)

	u.logView = tview.NewTextView().
		SetScrollable(true).
		SetWrap(true)
	u.logView.SetBorder(true).SetTitle(" Log (c=clear) ")
	applyTextTheme(u.logView)

	u.status = tview.NewTextView().
		SetScrollable(false).
		SetWrap(false)
	u.status.SetBackgroundColor(uiTheme.headerBg)
	u.status.SetTextColor(uiTheme.accent)

	u.panel = &logPanel{onChange: func(text string) {
		u.logView.SetText(text)
		u.logView.ScrollToEnd()
	}}
	u.showWelcome()

	u.loadProcesses()
	u.bindKeys()
	u.renderResults(-1)
	u.app.SetFocus(u.table)
	u.updateStatus("")
	return u
}

func (u *ui) layout() tview.Primitive {
	left := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(u.form, 13, 0, false).
		AddItem(u.results, 0, 1, false)

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(u.code, 0, 2, false).
		AddItem(u.logView, 0, 1, false)

	content := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(u.table, 40, 0, true).
		AddItem(left, 0, 1, false).
		AddItem(right, 0, 1, false)

	return tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(content, 0, 1, true).
		AddItem(u.status, 1, 0, false)
}

func (u *ui) showWelcome() {
	u.logView.SetText(strings.Join([]string{
		"Welcome to hooktiller!",
		"Select a process on the left, then describe a hook target in the locator form.",
		"Resolve shows where the target is and how its first instructions would be patched.",
	}, "\n"))
}

func (u *ui) loadProcesses() {
	infos, err := process.List()
	u.table.Clear()
	u.table.SetCell(0, 0, header("PID"))
	u.table.SetCell(0, 1, header("Name"))
	if err != nil {
		u.procs = nil
		u.log.Error("process list failed", zap.Error(err))
		u.updateStatus(fmt.Sprintf("load error: %v", err))
		return
	}

	procs := make([]processInfo, 0, len(infos))
	for _, p := range infos {
		procs = append(procs, processInfo{pid: int(p.PID), name: p.Exe})
	}
	sort.Slice(procs, func(i, j int) bool {
		return strings.ToLower(procs[i].name) < strings.ToLower(procs[j].name)
	})
	u.procs = procs

	for i, p := range u.procs {
		row := i + 1
		u.table.SetCell(row, 0, bodyCell(fmt.Sprintf("%d", p.pid), row))
		u.table.SetCell(row, 1, bodyCell(p.name, row))
	}
	if len(u.procs) > 0 {
		u.table.Select(1, 0)
		u.updateSelection(1)
	}
	u.table.SetSelectionChangedFunc(func(row, _ int) {
		u.updateSelection(row)
	})
}

func (u *ui) updateSelection(row int) {
	if row <= 0 || row-1 >= len(u.procs) {
		u.selectedPID = 0
		u.selectedExe = ""
	} else {
		p := u.procs[row-1]
		u.selectedPID = p.pid
		u.selectedExe = p.name
	}
	title := " Locator "
	if u.selectedPID != 0 {
		title = fmt.Sprintf(" Locator (PID %d) ", u.selectedPID)
	}
	u.form.SetTitle(title)
	u.updateStatus("")
}

func (u *ui) updateStatus(warn string) {
	text := "No process selected"
	color := uiTheme.accent
	switch {
	case warn != "":
		text = warn
		color = uiTheme.danger
	case u.selectedPID != 0:
		text = fmt.Sprintf("PID %d %s  |  %d results", u.selectedPID, u.selectedExe, len(u.findings))
	}
	u.status.SetTextColor(color)
	u.status.SetText(text)
}

func (u *ui) bindKeys() {
	u.table.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyRight:
			u.focusForm()
			return nil
		case tcell.KeyLeft:
			return nil
		}
		if r := event.Rune(); r != 0 && unicode.IsLetter(r) {
			if r == 'r' || r == 'R' {
				u.loadProcesses()
				return nil
			}
			u.quickNavigateProcesses(r)
			return nil
		}
		return event
	})

	u.form.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyLeft:
			if u.app.GetFocus() != u.kindDrop {
				return event
			}
			u.app.SetFocus(u.table)
			return nil
		case tcell.KeyRight:
			if u.app.GetFocus() != u.kindDrop {
				return event
			}
			u.app.SetFocus(u.results)
			return nil
		}
		if u.app.GetFocus() == u.kindDrop {
			return event
		}
		switch event.Key() {
		case tcell.KeyUp:
			u.moveFormFocus(-1)
			return nil
		case tcell.KeyDown:
			u.moveFormFocus(1)
			return nil
		case tcell.KeyEnter:
			u.doResolve()
			return nil
		case tcell.KeyEscape:
			u.app.SetFocus(u.table)
			return nil
		}
		return event
	})

	u.results.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyLeft:
			u.focusForm()
			return nil
		case tcell.KeyRight:
			u.app.SetFocus(u.code)
			return nil
		}
		switch event.Rune() {
		case 'x', 'X':
			u.findings = nil
			u.renderResults(-1)
			u.updateStatus("")
			return nil
		}
		return event
	})

	u.code.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyLeft:
			u.app.SetFocus(u.results)
			return nil
		case tcell.KeyTab:
			u.app.SetFocus(u.logView)
			return nil
		}
		return event
	})

	u.logView.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyLeft:
			u.app.SetFocus(u.results)
			return nil
		case tcell.KeyBacktab:
			u.app.SetFocus(u.code)
			return nil
		}
		switch event.Rune() {
		case 'c', 'C':
			u.panel.clear()
			return nil
		}
		return event
	})
}

func (u *ui) focusForm() {
	u.formIndex = 0
	u.app.SetFocus(u.formItems[0])
}

func (u *ui) moveFormFocus(delta int) {
	u.formIndex = (u.formIndex + delta + len(u.formItems)) % len(u.formItems)
	u.app.SetFocus(u.formItems[u.formIndex])
}

func (u *ui) quickNavigateProcesses(ch rune) {
	if len(u.procs) == 0 {
		return
	}

	target := unicode.ToLower(ch)
	start := 0
	if target == u.lastNavRune {
		if row, _ := u.table.GetSelection(); row > 0 {
			start = row
		}
	}

	for i := 0; i < len(u.procs); i++ {
		idx := (start + i) % len(u.procs)
		if strings.HasPrefix(strings.ToLower(u.procs[idx].name), string(target)) {
			u.table.Select(idx+1, 0)
			u.updateSelection(idx + 1)
			u.lastNavRune = target
			return
		}
	}
	u.lastNavRune = 0
}

func (u *ui) formLocator() (resolve.Locator, error) {
	_, kind := u.kindDrop.GetCurrentOption()
	return buildLocator(kind, u.moduleField.GetText(), u.targetField.GetText(), u.decoratedField.GetText())
}

// openSelected opens the selected process for reading.
func (u *ui) openSelected() (*process.Process, bool) {
	if u.selectedPID == 0 {
		u.showResultsError("Select a process first")
		return nil, false
	}
	proc, err := process.Open(uint32(u.selectedPID))
	if err != nil {
		u.log.Error("open failed", zap.Int("pid", u.selectedPID), zap.Error(err))
		u.showResultsError(fmt.Sprintf("open: %v", err))
		return nil, false
	}
	return proc, true
}

func (u *ui) doResolve() {
	loc, err := u.formLocator()
	if err != nil {
		u.showResultsError(err.Error())
		return
	}
	proc, ok := u.openSelected()
	if !ok {
		return
	}
	defer proc.Close()

	f, err := inspect(resolve.New(proc, u.sink.Named("resolve")), proc, loc)
	if err != nil {
		u.showResultsError(err.Error())
		return
	}
	u.addFindings(f)
}

// doScan lists every match of the pattern in executable memory, not only
// the first one inside the module.
func (u *ui) doScan() {
	loc, err := u.formLocator()
	if err != nil {
		u.showResultsError(err.Error())
		return
	}
	if loc.Kind() != resolve.KindPattern {
		u.showResultsError("Scan needs a pattern locator")
		return
	}
	pat, err := pattern.Parse(strings.TrimPrefix(loc.Target, "pattern:"))
	if err != nil {
		u.showResultsError(err.Error())
		return
	}
	proc, ok := u.openSelected()
	if !ok {
		return
	}
	defer proc.Close()

	hits, err := proc.ScanPattern(pat, maxScanHits, process.ExecutableOnly)
	if err != nil {
		u.log.Error("scan failed", zap.Stringer("pattern", pat), zap.Error(err))
		u.showResultsError(fmt.Sprintf("scan: %v", err))
		return
	}
	u.log.Info("scan finished", zap.Stringer("pattern", pat), zap.Int("hits", len(hits)))
	if len(hits) == 0 {
		u.showResultsMessage("no matches")
		return
	}

	found := make([]finding, 0, len(hits))
	for _, hit := range hits {
		found = append(found, describe(proc, loc, resolve.Address(hit)))
	}
	u.addFindings(found...)
}

func (u *ui) addFindings(found ...finding) {
	u.findings = append(found, u.findings...)
	if len(u.findings) > maxFindings {
		u.findings = u.findings[:maxFindings]
	}
	u.renderResults(0)
	u.updateStatus("")
}

func (u *ui) renderResults(selectIdx int) {
	u.results.Clear()
	u.results.SetCell(0, 0, header("#"))
	u.results.SetCell(0, 1, header("Locator"))
	u.results.SetCell(0, 2, header("Module"))
	u.results.SetCell(0, 3, header("Address"))
	u.results.SetCell(0, 4, header("Offset"))

	if len(u.findings) == 0 {
		u.results.SetCell(1, 0, messageCell("nothing resolved yet", uiTheme.subtleText))
		u.code.SetText("")
		return
	}
	for i, f := range u.findings {
		row := i + 1
		addr := bodyCell(f.addr.String(), row)
		if f.codeErr != nil {
			addr.SetTextColor(uiTheme.warm)
		}
		u.results.SetCell(row, 0, bodyCell(fmt.Sprintf("%d", row), row))
		u.results.SetCell(row, 1, bodyCell(f.loc.String(), row))
		u.results.SetCell(row, 2, bodyCell(f.moduleName(), row))
		u.results.SetCell(row, 3, addr)
		u.results.SetCell(row, 4, bodyCell(f.offset(), row))
	}
	if selectIdx >= 0 && selectIdx < len(u.findings) {
		u.results.Select(selectIdx+1, 0)
		u.showCode(selectIdx)
	}
}

func (u *ui) showCode(idx int) {
	if idx < 0 || idx >= len(u.findings) {
		return
	}
	u.code.SetText(u.findings[idx].report())
	u.code.ScrollToBeginning()
}

func (u *ui) showResultsMessage(msg string) {
	u.results.Clear()
	u.results.SetCell(0, 0, messageCell(msg, uiTheme.subtleText))
}

func (u *ui) showResultsError(msg string) {
	u.results.Clear()
	u.results.SetCell(0, 0, messageCell(msg, uiTheme.danger))
	u.updateStatus(msg)
}
