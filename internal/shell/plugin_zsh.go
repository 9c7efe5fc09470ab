package shell

// ZshPlugin is the zsh plugin source. preexec writes a begin record and
// precmd the matching end record with the exit status, but only while a
// capture session has created the spool.
const ZshPlugin = `# orcai shell plugin (generated, do not edit)
# Source this file from your ~/.zshrc:
#   source ~/.config/orcai/orcai.plugin.zsh

zmodload zsh/datetime 2>/dev/null
_orcai_spool="${ORCAI_DATA_DIR:-${XDG_DATA_HOME:-$HOME/.local/share}/orcai}/spool.tsv"
_orcai_cmd_id=""

_orcai_escape() {
  local s="$1"
  s="${s//\\/\\\\}"
  s="${s//$'\t'/\\t}"
  s="${s//$'\n'/\\n}"
  REPLY="$s"
}

_orcai_preexec() {
  [[ -f "$_orcai_spool" ]] || return
  [[ "$1" =~ '^[[:space:]]*([^[:space:]]*/)?orcai[[:space:]]+(start|stop|status|abandon|record)' ]] && return
  _orcai_cmd_id="$$-${EPOCHREALTIME/[.,]/}-$RANDOM"
  local cmd dir
  _orcai_escape "$1"; cmd="$REPLY"
  _orcai_escape "$PWD"; dir="$REPLY"
  printf 'B\t%s\t%s\t%s\t%s\n' "$_orcai_cmd_id" "${EPOCHREALTIME:-$(date +%s)}" "$dir" "$cmd" >> "$_orcai_spool"
}

_orcai_precmd() {
  local exit_status=$?
  [[ -n "$_orcai_cmd_id" ]] || return
  [[ -f "$_orcai_spool" ]] && printf 'E\t%s\t%s\t%s\n' "$_orcai_cmd_id" "${EPOCHREALTIME:-$(date +%s)}" "$exit_status" >> "$_orcai_spool"
  _orcai_cmd_id=""
}

autoload -Uz add-zsh-hook
add-zsh-hook preexec _orcai_preexec
add-zsh-hook precmd _orcai_precmd
`
