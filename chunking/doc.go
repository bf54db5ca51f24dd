// Copyright 2025-2026 GuardFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

Package chunking 将原始文本切分为带字节偏移的片段（Span），供检测器逐块评估。
分块是纯函数：相同的文本、策略与参数总是产生完全相同的结果。

# 策略

  - sentence          句子边界正则（默认 `[.!?]+\s+` 且后接大写字母或文本结尾），首尾空白裁剪
  - fixed_window      固定字符窗口，优先在分隔符处切分，回看范围内找不到时硬切
  - recursive_window  按 "\n\n"、"\n"、" " 递归切分，再合并相邻小段
  - whole_document    整篇文档作为一个片段

# 约定

  - 偏移为字节偏移，窗口大小按字符（code point）计算，不会切断 UTF-8 序列
  - overlap 为 0 时 fixed_window / recursive_window 的片段首尾相接，拼接即原文
  - 未知策略或非法参数返回 CONFIGURATION_ERROR
  - Token 计数使用 tiktoken，加载失败时退化为空白切词
*/
package chunking
