package shell

// BashPlugin is the bash plugin source. A DEBUG trap armed by PROMPT_COMMAND
// writes a begin record for the first command after each prompt, and the
// next prompt writes its end record.
const BashPlugin = `# orcai shell plugin (generated, do not edit)
# Source this file from your ~/.bashrc:
#   source ~/.config/orcai/orcai.plugin.bash

_orcai_spool="${ORCAI_DATA_DIR:-${XDG_DATA_HOME:-$HOME/.local/share}/orcai}/spool.tsv"
_orcai_cmd_id=""
_orcai_armed=""
_orcai_status=0

_orcai_escape() {
  local s="$1"
  s="${s//\\/\\\\}"
  s="${s//$'\t'/\\t}"
  s="${s//$'\n'/\\n}"
  REPLY="$s"
}

_orcai_preexec() {
  [[ -n "$_orcai_armed" ]] || return
  _orcai_armed=""
  [[ -f "$_orcai_spool" ]] || return
  local line
  line="$(HISTTIMEFORMAT= builtin history 1 | sed -e 's/^ *[0-9]* *//')"
  [[ -n "$line" ]] || line="$BASH_COMMAND"
  [[ "$line" =~ ^[[:space:]]*([^[:space:]]*/)?orcai[[:space:]]+(start|stop|status|abandon|record) ]] && return
  _orcai_cmd_id="$$-$RANDOM$RANDOM"
  local cmd dir
  _orcai_escape "$line"; cmd="$REPLY"
  _orcai_escape "$PWD"; dir="$REPLY"
  printf 'B\t%s\t%s\t%s\t%s\n' "$_orcai_cmd_id" "${EPOCHREALTIME:-$(date +%s)}" "$dir" "$cmd" >> "$_orcai_spool"
}

_orcai_precmd() {
  if [[ -n "$_orcai_cmd_id" && -f "$_orcai_spool" ]]; then
    printf 'E\t%s\t%s\t%s\n' "$_orcai_cmd_id" "${EPOCHREALTIME:-$(date +%s)}" "$_orcai_status" >> "$_orcai_spool"
  fi
  _orcai_cmd_id=""
  _orcai_armed=1
}

trap '_orcai_preexec' DEBUG
PROMPT_COMMAND="_orcai_status=\$?;${PROMPT_COMMAND:+$PROMPT_COMMAND;}_orcai_precmd"
`
